// Package auth — аутентификация обмена Pdelay: вызов с nonce в Pdelay_Req,
// ответ с ICV в Pdelay_Resp. ICV — ключевой BLAKE2b по номеру обмена,
// идентичности запросившего порта и обоим nonce.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/blake2b"

	"github.com/shiwa/timecard-mini/gptpsync/internal/engine"
	"github.com/shiwa/timecard-mini/gptpsync/internal/wire"
)

var (
	// ErrNoKey — для канала не задан ключ.
	ErrNoKey = errors.New("auth: no key for link")
	// ErrICV — ICV ответа не совпадает.
	ErrICV = errors.New("auth: integrity check value mismatch")
	// ErrNonce — ответ относится к другому вызову.
	ErrNonce = errors.New("auth: request nonce mismatch")
)

// MinKeySize — минимальная длина ключа.
const MinKeySize = 16

// Service реализует engine.Authenticator.
type Service struct {
	mu   sync.Mutex
	def  []byte
	keys map[engine.LinkID][]byte
	rand io.Reader
}

// New создаёт службу с общим ключом; nil — только ключи по каналам.
func New(key []byte) (*Service, error) {
	s := &Service{keys: make(map[engine.LinkID][]byte), rand: rand.Reader}
	if key != nil {
		if err := checkKey(key); err != nil {
			return nil, err
		}
		s.def = append([]byte(nil), key...)
	}
	return s, nil
}

func checkKey(key []byte) error {
	if len(key) < MinKeySize || len(key) > blake2b.Size {
		return fmt.Errorf("auth: key length %d not in [%d, %d]", len(key), MinKeySize, blake2b.Size)
	}
	return nil
}

// SetKey задаёт ключ отдельного канала.
func (s *Service) SetKey(link engine.LinkID, key []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[link] = append([]byte(nil), key...)
	return nil
}

func (s *Service) key(link engine.LinkID) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[link]; ok {
		return k, nil
	}
	if s.def == nil {
		return nil, fmt.Errorf("%w %d", ErrNoKey, link)
	}
	return s.def, nil
}

func (s *Service) nonce() (uint32, error) {
	var b [4]byte
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := io.ReadFull(s.rand, b[:]); err != nil {
		return 0, fmt.Errorf("auth: nonce: %w", err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// Challenge — вызов для Pdelay_Req с номером seq.
func (s *Service) Challenge(link engine.LinkID, seq uint16) (wire.AuthTLV, error) {
	if _, err := s.key(link); err != nil {
		return wire.AuthTLV{}, err
	}
	n, err := s.nonce()
	if err != nil {
		return wire.AuthTLV{}, err
	}
	return wire.AuthTLV{RequestNonce: n}, nil
}

// Respond — ответ отвечающей стороны на вызов.
func (s *Service) Respond(link engine.LinkID, seq uint16, requester wire.PortIdentity, ch wire.AuthTLV) (wire.AuthTLV, error) {
	key, err := s.key(link)
	if err != nil {
		return wire.AuthTLV{}, err
	}
	n, err := s.nonce()
	if err != nil {
		return wire.AuthTLV{}, err
	}
	r := wire.AuthTLV{Response: true, RequestNonce: ch.RequestNonce, ResponseNonce: n}
	r.ICV, err = icv(key, seq, requester, r.RequestNonce, r.ResponseNonce)
	return r, err
}

// Verify проверяет ответ на собственный вызов.
func (s *Service) Verify(link engine.LinkID, seq uint16, requester wire.PortIdentity, ch, resp wire.AuthTLV) error {
	if !resp.Response || resp.RequestNonce != ch.RequestNonce {
		return ErrNonce
	}
	key, err := s.key(link)
	if err != nil {
		return err
	}
	want, err := icv(key, seq, requester, resp.RequestNonce, resp.ResponseNonce)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(want[:], resp.ICV[:]) != 1 {
		return ErrICV
	}
	return nil
}

func icv(key []byte, seq uint16, requester wire.PortIdentity, reqNonce, respNonce uint32) ([wire.AuthICVSize]byte, error) {
	var out [wire.AuthICVSize]byte
	h, err := blake2b.New(wire.AuthICVSize, key)
	if err != nil {
		return out, fmt.Errorf("auth: %w", err)
	}
	var b [20]byte
	binary.BigEndian.PutUint16(b[0:], seq)
	copy(b[2:10], requester.ClockIdentity[:])
	binary.BigEndian.PutUint16(b[10:], requester.PortNumber)
	binary.BigEndian.PutUint32(b[12:], reqNonce)
	binary.BigEndian.PutUint32(b[16:], respNonce)
	h.Write(b[:])
	copy(out[:], h.Sum(nil))
	return out, nil
}
