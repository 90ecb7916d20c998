package seqmgr

import (
	"fmt"
	"log"
	"time"

	"github.com/joeycumines/logiface"
)

// Event is this package's minimal logiface.Event implementation: a flat
// slice of fields plus a level, adequate for the diagnostic logging the
// engine itself emits: the rate-limited long-task trace is its only log
// call. Hosts that want a richer backend install
// their own *logiface.Logger[*Event] built against this same Event type.
type Event struct {
	logiface.UnimplementedEvent
	level  logiface.Level
	msg    string
	err    error
	fields []EventField
}

// EventField is one structured field attached to an Event.
type EventField struct {
	Key string
	Val any
}

func (e *Event) Level() logiface.Level { return e.level }

func (e *Event) AddField(key string, val any) {
	e.fields = append(e.fields, EventField{Key: key, Val: val})
}

func (e *Event) AddMessage(msg string) bool {
	e.msg = msg
	return true
}

func (e *Event) AddError(err error) bool {
	e.err = err
	return true
}

func (e *Event) AddString(key string, val string) bool {
	e.AddField(key, val)
	return true
}

func (e *Event) AddDuration(key string, val time.Duration) bool {
	e.AddField(key, val)
	return true
}

func (e *Event) AddTime(key string, val time.Time) bool {
	e.AddField(key, val)
	return true
}

func (e *Event) AddBool(key string, val bool) bool {
	e.AddField(key, val)
	return true
}

func (e *Event) AddInt(key string, val int) bool {
	e.AddField(key, val)
	return true
}

// Logger is this package's concrete logiface.Logger instantiation.
type Logger = logiface.Logger[*Event]

func eventFactory(level logiface.Level) *Event {
	return &Event{level: level}
}

// stderrWriter writes every Event through the standard library logger
// (default output is os.Stderr); no backend module is imported for
// production code, matching the teacher's own restraint here: slog,
// zerolog, and logrus are each optional modules it never imports outside
// its own tests.
type stderrWriter struct{}

func (stderrWriter) Write(e *Event) error {
	line := e.msg
	if e.err != nil {
		line += ": " + e.err.Error()
	}
	for _, f := range e.fields {
		line += " " + f.Key + "="
		line += logFieldString(f.Val)
	}
	log.Output(3, line)
	return nil
}

func logFieldString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case error:
		return x.Error()
	default:
		return toPrintableString(x)
	}
}

func toPrintableString(v any) string {
	type stringer interface{ String() string }
	if s, ok := v.(stringer); ok {
		return s.String()
	}
	return fmt.Sprint(v)
}

// defaultLogger is installed on every SequenceManager unless overridden
// via WithLogger.
func defaultLogger() *Logger {
	return logiface.New[*Event](
		logiface.LoggerFactory[*Event]{}.WithEventFactory(logiface.NewEventFactoryFunc(eventFactory)),
		logiface.LoggerFactory[*Event]{}.WithWriter(stderrWriter{}),
		logiface.LoggerFactory[*Event]{}.WithLevel(logiface.LevelInformational),
	)
}
