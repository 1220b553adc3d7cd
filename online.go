package querycache

// OnlineManager tracks connectivity. Fetches gated by NetworkOnline pause
// while offline and resume on the offline->online transition. Embedders
// drive it via SetOnline, or install a connectivity source with SetSource.
// A fresh manager starts online.
type OnlineManager struct {
	b *broadcaster
}

func NewOnlineManager() *OnlineManager {
	return &OnlineManager{b: newBroadcaster(true)}
}

// Subscribe registers fn for connectivity transitions; it runs
// synchronously on the goroutine that calls SetOnline. The returned func
// removes the subscription.
func (m *OnlineManager) Subscribe(fn func(online bool)) (unsubscribe func()) {
	return m.b.subscribe(fn)
}

// SetSource installs the environment hookup feeding SetOnline, started and
// torn down with the first and last subscriber like FocusManager.SetSource.
func (m *OnlineManager) SetSource(src func(set func(online bool)) (teardown func())) {
	m.b.setSource(src)
}

func (m *OnlineManager) SetOnline(online bool) { m.b.set(online) }

func (m *OnlineManager) IsOnline() bool { return m.b.get() }
