package nuts

import (
	"math"
)

// dualAveraging tunes log step size toward a target acceptance statistic.
type dualAveraging struct {
	delta, gamma, kappa, t0 float64

	mu      float64
	counter float64
	sBar    float64
	xBar    float64
}

func newDualAveraging(target float64) *dualAveraging {
	return &dualAveraging{delta: target, gamma: 0.05, kappa: 0.75, t0: 10}
}

func (d *dualAveraging) restart(eps float64) {
	d.mu = math.Log(10 * eps)
	d.counter = 0
	d.sBar = 0
	d.xBar = 0
}

// learn returns the next step size given the last acceptance statistic.
func (d *dualAveraging) learn(accept float64) float64 {
	d.counter++
	accept = math.Min(1, accept)

	eta := 1 / (d.counter + d.t0)
	d.sBar = (1-eta)*d.sBar + eta*(d.delta-accept)

	x := d.mu - d.sBar*math.Sqrt(d.counter)/d.gamma
	xEta := math.Pow(d.counter, -d.kappa)
	d.xBar = (1-xEta)*d.xBar + xEta*x
	return math.Exp(x)
}

// final is the averaged step size used once tuning ends.
func (d *dualAveraging) final() float64 { return math.Exp(d.xBar) }

// welford accumulates per-coordinate running variance.
type welford struct {
	n     int
	mean  []float64
	m2    []float64
	delta []float64
}

func newWelford(dim int) *welford {
	return &welford{mean: make([]float64, dim), m2: make([]float64, dim), delta: make([]float64, dim)}
}

func (w *welford) add(q []float64) {
	w.n++
	for i, v := range q {
		d := v - w.mean[i]
		w.mean[i] += d / float64(w.n)
		w.m2[i] += (v - w.mean[i]) * d
	}
}

// regularized writes the shrunk variance estimate
// (n/(n+5))·var + 1e-3·5/(n+5) into dst.
func (w *welford) regularized(dst []float64) {
	n := float64(w.n)
	for i := range dst {
		v := 0.0
		if w.n > 1 {
			v = w.m2[i] / (n - 1)
		}
		dst[i] = (n/(n+5))*v + 1e-3*(5/(n+5))
	}
}

func (w *welford) restart() {
	w.n = 0
	zero(w.mean)
	zero(w.m2)
}

// windows schedules metric adaptation during tuning: an initial fast buffer,
// a series of doubling slow windows and a terminal fast buffer.
type windows struct {
	tune       int
	initBuffer int
	termBuffer int
	window     int
	nextEnd    int
	counter    int
	enabled    bool
}

const (
	defaultInitBuffer = 75
	defaultTermBuffer = 50
	defaultBaseWindow = 25
)

func newWindows(tune int) *windows {
	w := &windows{
		tune:       tune,
		initBuffer: defaultInitBuffer,
		termBuffer: defaultTermBuffer,
		window:     defaultBaseWindow,
		enabled:    tune >= 20,
	}
	if w.enabled && w.initBuffer+w.window+w.termBuffer > tune {
		w.initBuffer = int(0.15 * float64(tune))
		w.termBuffer = int(0.1 * float64(tune))
		w.window = tune - (w.initBuffer + w.termBuffer)
	}
	w.nextEnd = w.initBuffer + w.window - 1
	return w
}

func (w *windows) inSlowPhase() bool {
	return w.enabled &&
		w.counter >= w.initBuffer &&
		w.counter < w.tune-w.termBuffer &&
		w.counter != w.tune
}

func (w *windows) atWindowEnd() bool {
	return w.enabled && w.counter == w.nextEnd && w.counter != w.tune
}

func (w *windows) advanceWindow() {
	last := w.tune - w.termBuffer - 1
	if w.nextEnd == last {
		return
	}
	w.window *= 2
	w.nextEnd = w.counter + w.window
	if w.nextEnd != last && w.nextEnd+2*w.window >= w.tune-w.termBuffer {
		w.nextEnd = last
	}
}

// metricAdapter couples the window schedule with the variance estimator.
type metricAdapter struct {
	win *windows
	est *welford
}

// learn records q and, at the end of a slow window, writes the new inverse
// metric into invMetric and reports true.
func (m *metricAdapter) learn(invMetric, q []float64) bool {
	if m.win.inSlowPhase() {
		m.est.add(q)
	}
	if m.win.atWindowEnd() {
		m.win.advanceWindow()
		m.est.regularized(invMetric)
		m.est.restart()
		m.win.counter++
		return true
	}
	m.win.counter++
	return false
}
