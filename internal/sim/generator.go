package sim

import (
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"time"

	"github.com/epics2web/pvstream/internal/protocol"
)

type pvKind int

const (
	kindDouble pvKind = iota
	kindEnum
	kindString
)

var alarmLabels = []string{"NO_ALARM", "MINOR", "MAJOR", "INVALID"}

// channel is a synthetic process variable. Its value is a pure function of
// time so every session monitoring the same name sees the same signal.
type channel struct {
	name      string
	kind      pvKind
	connected bool
	period    time.Duration
	amplitude float64
}

func newChannel(name, missingPrefix string) channel {
	ch := channel{
		name:      name,
		kind:      kindOf(name),
		connected: missingPrefix == "" || !strings.HasPrefix(name, missingPrefix),
	}
	// Spread the periods so neighbouring PVs do not move in lockstep.
	h := nameHash(name)
	ch.period = time.Duration(5+h%25) * time.Second
	ch.amplitude = float64(1 + h%100)
	return ch
}

func kindOf(name string) pvKind {
	switch {
	case strings.HasSuffix(name, ":STAT"):
		return kindEnum
	case strings.HasSuffix(name, ":STR"):
		return kindString
	}
	return kindDouble
}

func (ch channel) info() protocol.Info {
	info := protocol.Info{PV: ch.name, Connected: ch.connected}
	if !ch.connected {
		return info
	}
	info.Count = 1
	switch ch.kind {
	case kindEnum:
		info.Datatype = "DBR_ENUM"
		info.EnumLabels = alarmLabels
	case kindString:
		info.Datatype = "DBR_STRING"
	default:
		info.Datatype = "DBR_DOUBLE"
	}
	return info
}

func (ch channel) valueAt(t time.Time) protocol.Value {
	phase := float64(t.UnixNano()%int64(ch.period)) / float64(ch.period)
	switch ch.kind {
	case kindEnum:
		return protocol.IntValue(int64(phase * float64(len(alarmLabels))))
	case kindString:
		return protocol.StringValue(fmt.Sprintf("%s@%s", ch.name, t.UTC().Format(time.TimeOnly)))
	}
	v := ch.amplitude * math.Sin(2*math.Pi*phase)
	return protocol.NumberValue(math.Round(v*1000) / 1000)
}

func nameHash(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}
