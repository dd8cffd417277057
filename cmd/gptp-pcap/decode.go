package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/gopacket"

	"github.com/shiwa/timecard-mini/gptpsync/internal/secure"
	"github.com/shiwa/timecard-mini/gptpsync/internal/transport/rawsock"
	"github.com/shiwa/timecard-mini/gptpsync/internal/wire"
)

// AnyDomain — Decoder.Domain без фильтра по домену.
const AnyDomain = -1

// Decoder печатает кадры gPTP из захвата в человекочитаемом виде.
type Decoder struct {
	Out    io.Writer
	Domain int
	// Secure включает проверку CRC подзаписей Follow_Up; nil — только разбор.
	Secure *secure.Config

	Frames   int
	Skipped  int
	Failures int
}

// Packet разбирает один захваченный Ethernet-кадр. Кадры не gPTP считаются
// в Skipped, ошибки разбора печатаются и считаются в Failures.
func (d *Decoder) Packet(data []byte, ci gopacket.CaptureInfo) error {
	f, err := rawsock.Decode(data)
	if errors.Is(err, rawsock.ErrNotPTP) {
		d.Skipped++
		return nil
	}
	ts := ci.Timestamp.Format("15:04:05.000000")
	if err != nil {
		d.Failures++
		_, werr := fmt.Fprintf(d.Out, "%s %v\n", ts, err)
		return werr
	}
	if d.Domain != AnyDomain && len(f.Payload) > 4 && int(f.Payload[4]) != d.Domain {
		d.Skipped++
		return nil
	}
	d.Frames++

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s > %s", ts, f.Src, f.Dst)
	if f.VLAN != 0 || f.Priority != 0 {
		fmt.Fprintf(&b, " vlan %d prio %d", f.VLAN, f.Priority)
	}
	if err := d.message(&b, f.Payload); err != nil {
		d.Failures++
		fmt.Fprintf(&b, " %v\n", err)
	}
	_, err = io.WriteString(d.Out, b.String())
	return err
}

func (d *Decoder) message(b *strings.Builder, msg []byte) error {
	domain := uint8(0)
	if len(msg) > 4 {
		domain = msg[4]
	}
	h, err := wire.DecodeHeader(msg, domain)
	if err != nil {
		return err
	}
	fmt.Fprintf(b, " %s seq=%d dom=%d src=%s", h.MessageType, h.SequenceID, h.Domain, h.SourcePortIdentity)
	if h.Correction != 0 {
		fmt.Fprintf(b, " corr=%dns", h.Correction>>16)
	}
	b.WriteByte('\n')

	p := h.Payload(msg)
	switch h.MessageType {
	case wire.MsgFollowUp:
		return d.followUp(b, &h, p)
	case wire.MsgPdelayReq:
		a, err := wire.FindAuthTLV(p[wire.PdelayReqPayloadSize:])
		if err != nil {
			return err
		}
		if a != nil {
			fmt.Fprintf(b, "\tauth challenge nonce=%#08x\n", a.RequestNonce)
		}
	case wire.MsgPdelayResp, wire.MsgPdelayRespFollowUp:
		r, err := wire.ParsePdelayResp(p)
		if err != nil {
			return err
		}
		fmt.Fprintf(b, "\tts=%s requesting=%s\n", r.Timestamp, r.Requesting)
		if h.MessageType == wire.MsgPdelayResp {
			a, err := wire.FindAuthTLV(p[wire.PdelayRespPayloadSize:])
			if err != nil {
				return err
			}
			if a != nil {
				fmt.Fprintf(b, "\tauth response nonce=%#08x/%#08x icv=%x\n", a.RequestNonce, a.ResponseNonce, a.ICV)
			}
		}
	case wire.MsgAnnounce:
		a, err := wire.ParseAnnounce(p)
		if err != nil {
			return err
		}
		fmt.Fprintf(b, "\tgm=%x prio=%d/%d class=%d accuracy=%#02x variance=%#04x utc=%d steps=%d source=%#02x\n",
			a.GrandmasterIdentity, a.Priority1, a.Priority2, a.Quality.Class, a.Quality.Accuracy,
			a.Quality.OffsetScaledLogVariance, a.CurrentUTCOffset, a.StepsRemoved, a.TimeSource)
	}
	return nil
}

func (d *Decoder) followUp(b *strings.Builder, h *wire.Header, p []byte) error {
	fu, err := wire.ParseFollowUp(p)
	if err != nil {
		return err
	}
	fmt.Fprintf(b, "\tpot=%s\n", fu.PreciseOriginTimestamp)
	e := fu.Extension
	if e == nil {
		return nil
	}
	if t := e.Time; t != nil {
		fmt.Fprintf(b, "\ttime flags=%#02x crc=%02x/%02x\n", t.Flags, t.CRC0, t.CRC1)
	}
	if s := e.Status; s != nil {
		fmt.Fprintf(b, "\tstatus=%#02x%s\n", s.Status, securedMark(s.Secured, s.CRC))
	}
	if u := e.UserData; u != nil {
		fmt.Fprintf(b, "\tuser_data len=%d % x%s\n", u.Length, u.Bytes, securedMark(u.Secured, u.CRC))
	}
	if o := e.Offset; o != nil {
		fmt.Fprintf(b, "\toffset domain=%d %d.%09d status=%#02x%s\n",
			o.TimeDomain, o.Seconds, o.Nanoseconds, o.Status, securedMark(o.Secured, o.CRC))
	}
	if e.Skipped > 0 {
		fmt.Fprintf(b, "\tskipped %d unknown sub-records\n", e.Skipped)
	}
	if d.Secure == nil {
		return nil
	}

	rep, err := secure.Verify(d.Secure, &secure.Frame{Header: *h, POT: fu.PreciseOriginTimestamp}, e)
	if err != nil {
		d.Failures++
		fmt.Fprintf(b, "\tcrc: frame rejected: %v\n", err)
		return nil
	}
	for _, r := range rep.Rejected {
		d.Failures++
		fmt.Fprintf(b, "\tcrc: %s rejected: %v\n", r.SubRecord, r.Err)
	}
	if len(rep.Tolerated) > 0 {
		fmt.Fprintf(b, "\tcrc: tolerated %s\n", strings.Join(rep.Tolerated, ","))
	}
	if len(rep.Rejected) == 0 && len(rep.Tolerated) == 0 {
		b.WriteString("\tcrc: ok\n")
	}
	return nil
}

func securedMark(secured bool, crc uint8) string {
	if secured {
		return fmt.Sprintf(" secured crc=%02x", crc)
	}
	return ""
}

// Summary печатает итог по захвату.
func (d *Decoder) Summary() error {
	_, err := fmt.Fprintf(d.Out, "gPTP кадров %d, пропущено %d, ошибок %d\n", d.Frames, d.Skipped, d.Failures)
	return err
}
