package chat

import (
	"iter"
	"time"
)

// DayGroup is a contiguous run of messages sharing a calendar date.
type DayGroup struct {
	Day      time.Time
	Messages []Message
}

// GroupByDay partitions the store's messages into contiguous day groups,
// preserving overall order. The sequence is lazy and restartable and does
// not mutate the store; flattening the groups yields the message list
// exactly.
func (s *Store) GroupByDay() iter.Seq[DayGroup] {
	return GroupMessagesByDay(s.Messages())
}

// GroupMessagesByDay groups an already ordered message list by the
// calendar date of each message's timestamp.
func GroupMessagesByDay(msgs []Message) iter.Seq[DayGroup] {
	return func(yield func(DayGroup) bool) {
		if len(msgs) == 0 {
			return
		}
		day := calendarDay(msgs[0].Timestamp)
		start := 0
		for i := 1; i < len(msgs); i++ {
			d := calendarDay(msgs[i].Timestamp)
			if d.Equal(day) {
				continue
			}
			if !yield(DayGroup{Day: day, Messages: msgs[start:i]}) {
				return
			}
			day = d
			start = i
		}
		yield(DayGroup{Day: day, Messages: msgs[start:]})
	}
}

func calendarDay(ts time.Time) time.Time {
	y, m, d := ts.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, ts.Location())
}
