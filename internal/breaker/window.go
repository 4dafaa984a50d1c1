package breaker

// Outcome は1回の呼び出しの結果。
type Outcome int

const (
	// Success は成功。
	Success Outcome = iota
	// Failure は失敗。
	Failure
	// Slow は成功したが低速だった呼び出し。
	Slow
	// SlowFailure は失敗かつ低速だった呼び出し。
	SlowFailure
)

func (o Outcome) failed() bool { return o == Failure || o == SlowFailure }

func (o Outcome) slow() bool { return o == Slow || o == SlowFailure }

// window は直近size件の結果を保持するリングバッファ。
// 失敗数と低速数は追加・追い出しのたびに差分で更新する。
type window struct {
	outcomes []Outcome
	next     int
	count    int
	failures int
	slows    int
}

func newWindow(size int) *window {
	return &window{outcomes: make([]Outcome, size)}
}

func (w *window) add(o Outcome) {
	if w.count == len(w.outcomes) {
		evicted := w.outcomes[w.next]
		if evicted.failed() {
			w.failures--
		}
		if evicted.slow() {
			w.slows--
		}
	} else {
		w.count++
	}
	w.outcomes[w.next] = o
	w.next = (w.next + 1) % len(w.outcomes)
	if o.failed() {
		w.failures++
	}
	if o.slow() {
		w.slows++
	}
}

// rates は失敗率と低速率をパーセントで返す。
func (w *window) rates() (failureRate, slowRate float64) {
	if w.count == 0 {
		return 0, 0
	}
	total := float64(w.count)
	return float64(w.failures) / total * 100, float64(w.slows) / total * 100
}

func (w *window) reset() {
	w.next = 0
	w.count = 0
	w.failures = 0
	w.slows = 0
}
