package ws

// Subscription selects the sessions an observer hears about. The zero value
// matches nothing.
type Subscription struct {
	all bool
	ids map[string]bool
}

// Replace swaps the subscription wholesale.
func (s *Subscription) Replace(p SubscribePayload) {
	s.all = p.All
	s.ids = nil
	if p.All {
		return
	}
	for _, id := range p.Accounts {
		s.Add(id)
	}
}

// Add subscribes to one more session. It is a no-op under "all".
func (s *Subscription) Add(id string) {
	if s.all || id == "" {
		return
	}
	if s.ids == nil {
		s.ids = make(map[string]bool)
	}
	s.ids[id] = true
}

func (s *Subscription) Matches(id string) bool {
	return s.all || s.ids[id]
}

func (s *Subscription) All() bool { return s.all }

// Empty reports whether the subscription matches nothing.
func (s *Subscription) Empty() bool {
	return !s.all && len(s.ids) == 0
}
