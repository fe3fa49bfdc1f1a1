package signaling

import "sync"

// identity holds the server-assigned id for the current connection.
// It is set at most once per connection and cleared on disconnect.
type identity struct {
	mu   sync.RWMutex
	info IdentityInfo
	set  bool
}

// assign stores info if no identity was assigned since the last reset.
// It reports whether the assignment happened.
func (i *identity) assign(info IdentityInfo) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.set || info.TempID == "" {
		return false
	}
	i.info = info
	i.set = true
	return true
}

func (i *identity) reset() {
	i.mu.Lock()
	i.info = IdentityInfo{}
	i.set = false
	i.mu.Unlock()
}

func (i *identity) get() (IdentityInfo, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.info, i.set
}
