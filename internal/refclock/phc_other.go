//go:build !linux

package refclock

import (
	"errors"
	"time"
)

// PHC недоступен вне Linux.
type PHC struct{}

func NewPHC(string, time.Duration) (*PHC, error) {
	return nil, errors.New("phc: supported on linux only")
}

func (*PHC) Name() string             { return "phc" }
func (*PHC) Protocol() string         { return "phc" }
func (*PHC) Now() (time.Time, Status) { return time.Time{}, StatusUnavailable }
func (*PHC) Close() error             { return nil }
