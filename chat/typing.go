package chat

import (
	"sort"
	"sync"
	"time"
)

// typingTTL is how long a typing entry survives without a refresh.
const typingTTL = 3 * time.Second

// TypingRegistry tracks which users are currently composing a message in
// the active room. Entries self-expire after typingTTL of silence; each
// username has an independent, resettable timer.
type TypingRegistry struct {
	mu       sync.Mutex
	ttl      time.Duration
	timers   map[string]*time.Timer
	onChange func()
}

func NewTypingRegistry(onChange func()) *TypingRegistry {
	return &TypingRegistry{
		ttl:      typingTTL,
		timers:   make(map[string]*time.Timer),
		onChange: onChange,
	}
}

// Set records that username started (true) or stopped (false) typing.
// A repeated start resets the expiry timer instead of stacking a new one.
func (r *TypingRegistry) Set(username string, typing bool) {
	r.mu.Lock()
	if !typing {
		timer, ok := r.timers[username]
		if !ok {
			r.mu.Unlock()
			return
		}
		timer.Stop()
		delete(r.timers, username)
		r.mu.Unlock()
		r.notify()
		return
	}

	if timer, ok := r.timers[username]; ok {
		timer.Reset(r.ttl)
		r.mu.Unlock()
		return
	}
	r.timers[username] = time.AfterFunc(r.ttl, func() {
		r.expire(username)
	})
	r.mu.Unlock()
	r.notify()
}

func (r *TypingRegistry) expire(username string) {
	r.mu.Lock()
	if _, ok := r.timers[username]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.timers, username)
	r.mu.Unlock()
	r.notify()
}

// Active returns the usernames currently typing, sorted for stable
// rendering.
func (r *TypingRegistry) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.timers))
	for name := range r.timers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reset cancels all timers and clears the registry. Used on room switch
// and teardown.
func (r *TypingRegistry) Reset() {
	r.mu.Lock()
	for name, timer := range r.timers {
		timer.Stop()
		delete(r.timers, name)
	}
	r.mu.Unlock()
}

func (r *TypingRegistry) notify() {
	if r.onChange != nil {
		r.onChange()
	}
}
