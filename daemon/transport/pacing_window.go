package transport

// Window paces like ConstantRate but treats the rate as a window that grows
// halfway back to its maximum on acknowledgements and halves on timeouts.
// Each adjustment is followed by an epoch of window events during which no
// further adjustment in the same direction is made.
type Window struct {
	*ConstantRate
	max            int
	increaseCredit int
	decreaseCredit int
}

func NewWindow(cfg PacingConfig) *Window {
	return &Window{ConstantRate: NewConstantRate(cfg)}
}

func (w *Window) Name() string { return PacingWindow }

// Size returns the current window.
func (w *Window) Size() int { return w.rate }

func (w *Window) Start(s Sender) {
	w.ConstantRate.Start(s)
	w.max = w.rate
	w.increaseCredit = 0
	w.decreaseCredit = 0
}

func (w *Window) OnManifest(s Sender) { w.Tick(s) }

func (w *Window) OnData(s Sender, _ int) {
	if w.increaseCredit == 0 {
		w.increaseCredit = w.rate
		w.rate += (w.max - w.rate) / 2
	}
	// Every ack pulls a timer that lags the current window forward.
	interval := w.Interval()
	next := s.NextSendAt()
	if !next.IsZero() && next.After(s.Now().Add(interval)) {
		s.ScheduleSend(interval)
	}
	w.spend()
}

func (w *Window) OnTimeout(s Sender, _ int) {
	if w.decreaseCredit == 0 {
		if w.rate > MinWindow {
			w.rate /= 2
			if w.rate < MinWindow {
				w.rate = MinWindow
			}
		}
		w.decreaseCredit = w.rate
		s.ScheduleSend(w.Interval())
	}
	w.spend()
}

func (w *Window) spend() {
	if w.increaseCredit > 0 {
		w.increaseCredit--
	}
	if w.decreaseCredit > 0 {
		w.decreaseCredit--
	}
}

var _ Pacer = (*Window)(nil)
var _ Pacer = (*ConstantRate)(nil)
