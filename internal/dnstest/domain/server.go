package domain

import (
	"fmt"
	"time"
)

// Ports holds the ports assigned to one server run. Zero means unset.
type Ports struct {
	Plain   int
	Control int
	TLS     int
	QUIC    int
	XDP     int
}

// Exchange records one query, transfer or update sent to a server.
type Exchange struct {
	Server    string
	Name      string
	Type      string
	Class     string
	Transport string
	Port      int
	Rcode     string
	Answers   int
	Duration  time.Duration
	Err       string
	At        time.Time
}

func (e Exchange) String() string {
	s := fmt.Sprintf("%s %s %s %s via %s:%d", e.At.Format(time.RFC3339Nano), e.Name, e.Class, e.Type, e.Transport, e.Port)
	if e.Err != "" {
		return s + " error=" + e.Err
	}
	return fmt.Sprintf("%s rcode=%s answers=%d in %s", s, e.Rcode, e.Answers, e.Duration)
}
