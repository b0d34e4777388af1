package catchup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/diffsync/internal/protocol"
	"github.com/MarcoPoloResearchLab/diffsync/internal/visibility"
)

const (
	defaultRetryCount    = 10
	defaultRetryInterval = 500 * time.Millisecond
)

var (
	// ErrLotsMissing reports a transfer that stopped receiving lots before it
	// was complete. The client must reconnect and load the table again.
	ErrLotsMissing = errors.New("catchup: lots missing")

	errWrongTable = errors.New("catchup: lot belongs to another table")
	errBadOrdinal = errors.New("catchup: lot ordinal out of range")
	errMixedLots  = errors.New("catchup: lot belongs to another transfer")
)

// RetryPolicy bounds how long an Assembler waits without progress:
// Count intervals of Interval.
type RetryPolicy struct {
	Count    int
	Interval time.Duration
}

// DefaultRetryPolicy waits ten intervals of 500ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Count: defaultRetryCount, Interval: defaultRetryInterval}
}

// Deadline is the longest wait between two lots.
func (p RetryPolicy) Deadline() time.Duration {
	count, interval := p.Count, p.Interval
	if count <= 0 {
		count = defaultRetryCount
	}
	if interval <= 0 {
		interval = defaultRetryInterval
	}
	return time.Duration(count) * interval
}

// Transfer is a fully received table transfer, items in server order.
type Transfer struct {
	Table       string
	Tick        int64
	Incremental bool
	Items       []visibility.Item
}

// Assembler collects the lots of one transfer. Every LoadTable attempt gets
// its own Assembler so nothing of an interrupted attempt is reused.
type Assembler struct {
	table  string
	policy RetryPolicy

	mu       sync.Mutex
	started  bool
	tick     int64
	nbLots   int
	received map[int]protocol.Lot
	complete bool
	failure  error
	done     chan struct{}
	failed   chan struct{}
	progress chan struct{}
}

// NewAssembler prepares the reception of table.
func NewAssembler(table string, policy RetryPolicy) *Assembler {
	return &Assembler{
		table:    table,
		policy:   policy,
		received: make(map[int]protocol.Lot),
		done:     make(chan struct{}),
		failed:   make(chan struct{}),
		progress: make(chan struct{}, 1),
	}
}

// Add records a lot. Duplicates are ignored.
func (a *Assembler) Add(lot protocol.Lot) error {
	if lot.Table != a.table {
		return fmt.Errorf("%w: %s", errWrongTable, lot.Table)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.complete {
		return nil
	}
	if !a.started {
		a.started = true
		a.tick = lot.Tick
		a.nbLots = lot.NbLots
	}
	if lot.Tick != a.tick || lot.NbLots != a.nbLots {
		return errMixedLots
	}
	if a.nbLots == 0 {
		a.finish()
		return nil
	}
	if lot.Lot < 1 || lot.Lot > a.nbLots {
		return fmt.Errorf("%w: %d of %d", errBadOrdinal, lot.Lot, a.nbLots)
	}
	if _, seen := a.received[lot.Lot]; seen {
		return nil
	}
	a.received[lot.Lot] = lot
	if len(a.received) == a.nbLots {
		a.finish()
		return nil
	}
	select {
	case a.progress <- struct{}{}:
	default:
	}
	return nil
}

func (a *Assembler) finish() {
	a.complete = true
	close(a.done)
}

// Fail ends a pending Wait with err. It has no effect once the transfer is
// complete or has already failed.
func (a *Assembler) Fail(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.complete || a.failure != nil {
		return
	}
	a.failure = err
	close(a.failed)
}

// Done is closed once every lot has arrived.
func (a *Assembler) Done() <-chan struct{} {
	return a.done
}

// Received reports how many lots arrived and how many are expected.
func (a *Assembler) Received() (int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.received), a.nbLots
}

// Wait blocks until the transfer is complete. It gives up with
// ErrLotsMissing when no lot arrives within the retry deadline, and with the
// error given to Fail when the server refused the load.
func (a *Assembler) Wait(ctx context.Context) (Transfer, error) {
	deadline := a.policy.Deadline()
	timer := time.NewTimer(deadline)
	defer timer.Stop()
	for {
		select {
		case <-a.done:
			return a.transfer(), nil
		case <-a.failed:
			a.mu.Lock()
			err := a.failure
			a.mu.Unlock()
			return Transfer{}, err
		case <-a.progress:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(deadline)
		case <-timer.C:
			select {
			case <-a.done:
				return a.transfer(), nil
			default:
			}
			got, want := a.Received()
			return Transfer{}, fmt.Errorf("%w: %s received %d of %d", ErrLotsMissing, a.table, got, want)
		case <-ctx.Done():
			return Transfer{}, ctx.Err()
		}
	}
}

func (a *Assembler) transfer() Transfer {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := Transfer{Table: a.table, Tick: a.tick}
	for ordinal := 1; ordinal <= a.nbLots; ordinal++ {
		lot := a.received[ordinal]
		out.Incremental = lot.Incremental
		out.Items = append(out.Items, lot.Items...)
	}
	return out
}
