// Package shmring provides a fixed-capacity ring of float64 records that can
// live in POSIX shared memory and be used by several processes at once.
//
// Layout of a segment:
//
//	[0, 64)   header: magic, lock word, policy, capacity, width, head, tail, dropped
//	[64, ...) capacity*width float64 values, row-major
//
// head and tail are logical, monotonically increasing record indices. The
// physical slot of record i is i % capacity. All mutation of head/tail and of
// the data area happens under a spin lock stored in the header, so the lock
// works across processes that map the same segment.
package shmring

import (
	"errors"
	"fmt"
	"log"
	"os"
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/fabiokung/shm"
	"golang.org/x/sys/unix"
)

const (
	headerSize = 64
	ringMagic  = 0x5346524e47303031 // "SFRNG001"
)

var (
	// ErrOverflow is returned by Push on a PolicyReject ring that cannot take the records.
	ErrOverflow = errors.New("ring buffer overflow")
	// ErrNotAllocated is returned by Attach when no segment exists under the name.
	ErrNotAllocated = errors.New("ring buffer not allocated")
	// ErrStaleRange means the requested range has already been overwritten.
	ErrStaleRange = errors.New("ring buffer range already overwritten")
	// ErrBadRange means the requested range is not readable (beyond tail or inverted).
	ErrBadRange = errors.New("ring buffer range out of bounds")
	// ErrRecordWidth means a push was not a whole number of records.
	ErrRecordWidth = errors.New("record length is not a multiple of ring width")
	// ErrClosed is returned by every operation on a view after Close.
	ErrClosed = errors.New("ring buffer closed")
)

// Policy decides what Push does when the ring is full.
type Policy uint32

const (
	// PolicyOverwrite drops the oldest unread records to make room (traces cache).
	PolicyOverwrite Policy = 1
	// PolicyReject refuses the write and leaves the ring unchanged (events cache).
	PolicyReject Policy = 2
)

func (p Policy) String() string {
	switch p {
	case PolicyOverwrite:
		return "overwrite"
	case PolicyReject:
		return "reject"
	}
	return fmt.Sprintf("policy(%d)", uint32(p))
}

type header struct {
	magic    uint64
	lock     uint32
	policy   uint32
	capacity uint64
	width    uint64
	head     uint64
	tail     uint64
	dropped  uint64
	_        uint64
}

// Occupancy is a snapshot of the ring indices.
type Occupancy struct {
	Head   uint64 `json:"head"`
	Tail   uint64 `json:"tail"`
	Unread uint64 `json:"unread"`
}

// Ring is a view of a ring buffer segment. Each process holds its own Ring
// value; the segment itself is shared.
type Ring struct {
	name   string
	owner  bool
	mapped bool
	mem    []byte
	hdr    *header
	data   []float64
}

func segmentSize(capacity, width int) int {
	return headerSize + capacity*width*8
}

// Allocate creates a named shared memory segment and returns the owning view.
// Other processes reach the same memory with Attach(name).
func Allocate(name string, capacity, width int, policy Policy) (*Ring, error) {
	if err := validateGeometry(capacity, width, policy); err != nil {
		return nil, err
	}
	size := segmentSize(capacity, width)

	f, err := shm.Open(name, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create shared memory %q: %w", name, err)
	}
	defer f.Close()

	if err := f.Truncate(int64(size)); err != nil {
		shm.Unlink(name)
		return nil, fmt.Errorf("failed to size shared memory %q: %w", name, err)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		shm.Unlink(name)
		return nil, fmt.Errorf("failed to map shared memory %q: %w", name, err)
	}

	r := newView(name, mem, true)
	r.mapped = true
	r.init(capacity, width, policy)
	return r, nil
}

// Attach maps an existing segment created by Allocate.
func Attach(name string) (*Ring, error) {
	f, err := shm.Open(name, os.O_RDWR, 0600)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotAllocated, name)
		}
		return nil, fmt.Errorf("failed to open shared memory %q: %w", name, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat shared memory %q: %w", name, err)
	}
	if st.Size() < headerSize {
		return nil, fmt.Errorf("%w: %s is truncated", ErrNotAllocated, name)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("failed to map shared memory %q: %w", name, err)
	}

	r := newView(name, mem, false)
	r.mapped = true
	if atomic.LoadUint64(&r.hdr.magic) != ringMagic {
		unix.Munmap(mem)
		return nil, fmt.Errorf("%w: %s has no ring header", ErrNotAllocated, name)
	}
	capacity, width := int(r.hdr.capacity), int(r.hdr.width)
	if segmentSize(capacity, width) > len(mem) {
		unix.Munmap(mem)
		return nil, fmt.Errorf("%w: %s is smaller than its header claims", ErrNotAllocated, name)
	}
	r.data = unsafe.Slice((*float64)(unsafe.Pointer(&mem[headerSize])), capacity*width)
	return r, nil
}

// NewLocal returns a ring backed by process memory with the same semantics
// as a shared segment. Used for in-process pipelines and tests.
func NewLocal(capacity, width int, policy Policy) (*Ring, error) {
	if err := validateGeometry(capacity, width, policy); err != nil {
		return nil, err
	}
	size := segmentSize(capacity, width)
	// uint64 backing keeps the header and data 8-byte aligned.
	words := make([]uint64, size/8)
	mem := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)

	r := newView("", mem, true)
	r.init(capacity, width, policy)
	return r, nil
}

func validateGeometry(capacity, width int, policy Policy) error {
	if capacity <= 0 {
		return fmt.Errorf("ring capacity must be positive, got %d", capacity)
	}
	if width <= 0 {
		return fmt.Errorf("ring record width must be positive, got %d", width)
	}
	if policy != PolicyOverwrite && policy != PolicyReject {
		return fmt.Errorf("unknown ring policy %d", policy)
	}
	return nil
}

func newView(name string, mem []byte, owner bool) *Ring {
	return &Ring{
		name:  name,
		owner: owner,
		mem:   mem,
		hdr:   (*header)(unsafe.Pointer(&mem[0])),
	}
}

func (r *Ring) init(capacity, width int, policy Policy) {
	r.hdr.capacity = uint64(capacity)
	r.hdr.width = uint64(width)
	r.hdr.policy = uint32(policy)
	atomic.StoreUint64(&r.hdr.head, 0)
	atomic.StoreUint64(&r.hdr.tail, 0)
	atomic.StoreUint64(&r.hdr.dropped, 0)
	atomic.StoreUint32(&r.hdr.lock, 0)
	r.data = unsafe.Slice((*float64)(unsafe.Pointer(&r.mem[headerSize])), capacity*width)
	atomic.StoreUint64(&r.hdr.magic, ringMagic)
}

func (r *Ring) lock() {
	for spins := 0; !atomic.CompareAndSwapUint32(&r.hdr.lock, 0, 1); spins++ {
		if spins < 64 {
			runtime.Gosched()
		} else {
			time.Sleep(20 * time.Microsecond)
		}
	}
}

func (r *Ring) unlock() {
	atomic.StoreUint32(&r.hdr.lock, 0)
}

// Name returns the shared memory name ("" for local rings).
func (r *Ring) Name() string { return r.name }

// Closed reports whether Close has been called on this view.
func (r *Ring) Closed() bool { return r.hdr == nil }

// Capacity returns the number of records the ring holds, 0 once closed.
func (r *Ring) Capacity() int {
	if r.hdr == nil {
		return 0
	}
	return int(r.hdr.capacity)
}

// Width returns the number of float64 values per record, 0 once closed.
func (r *Ring) Width() int {
	if r.hdr == nil {
		return 0
	}
	return int(r.hdr.width)
}

// Policy returns the overflow policy.
func (r *Ring) Policy() Policy {
	if r.hdr == nil {
		return 0
	}
	return Policy(r.hdr.policy)
}

// Dropped returns how many records were overwritten before being read.
func (r *Ring) Dropped() uint64 {
	if r.hdr == nil {
		return 0
	}
	return atomic.LoadUint64(&r.hdr.dropped)
}

// Occupancy reads head and tail without taking the lock. A closed view
// reports zero.
func (r *Ring) Occupancy() Occupancy {
	if r.hdr == nil {
		return Occupancy{}
	}
	tail := atomic.LoadUint64(&r.hdr.tail)
	head := atomic.LoadUint64(&r.hdr.head)
	occ := Occupancy{Head: head, Tail: tail}
	if tail > head {
		occ.Unread = tail - head
		if c := r.hdr.capacity; occ.Unread > c {
			occ.Unread = c
		}
	}
	return occ
}

// Push appends whole records. It returns how many previously stored records
// were overwritten (PolicyOverwrite only).
func (r *Ring) Push(records []float64) (int, error) {
	if r.hdr == nil {
		return 0, ErrClosed
	}
	width := int(r.hdr.width)
	if len(records)%width != 0 {
		return 0, fmt.Errorf("%w: %d values, width %d", ErrRecordWidth, len(records), width)
	}
	n := uint64(len(records) / width)
	if n == 0 {
		return 0, nil
	}

	capacity := r.hdr.capacity
	r.lock()
	head := atomic.LoadUint64(&r.hdr.head)
	tail := atomic.LoadUint64(&r.hdr.tail)

	if tail+n > head+capacity && r.Policy() == PolicyReject {
		r.unlock()
		return 0, fmt.Errorf("%w: %d records pushed, %d of %d free", ErrOverflow, n, capacity-(tail-head), capacity)
	}

	newTail := tail + n
	newHead := head
	if newTail-head > capacity {
		newHead = newTail - capacity
	}

	// Rows that would be overwritten inside this very push are skipped.
	write := records
	from := tail
	if n > capacity {
		skip := n - capacity
		write = records[skip*uint64(width):]
		from = tail + skip
	}
	r.copyIn(from, write)

	dropped := newHead - head
	if dropped > 0 {
		atomic.StoreUint64(&r.hdr.head, newHead)
		atomic.AddUint64(&r.hdr.dropped, dropped)
	}
	atomic.StoreUint64(&r.hdr.tail, newTail)
	r.unlock()

	if dropped > 0 {
		log.Printf("[shmring] %s: overwrote %d unread records", r.displayName(), dropped)
	}
	return int(dropped), nil
}

// copyIn writes rows starting at logical index from. Caller holds the lock.
func (r *Ring) copyIn(from uint64, rows []float64) {
	width := r.hdr.width
	capacity := r.hdr.capacity
	count := uint64(len(rows)) / width
	start := from % capacity
	first := count
	if start+first > capacity {
		first = capacity - start
	}
	copy(r.data[start*width:(start+first)*width], rows[:first*width])
	if first < count {
		copy(r.data[:(count-first)*width], rows[first*width:])
	}
}

// PopRange copies records [begin, end) into a new slice. It does not move
// head; consumers call AdvanceHead once they have used the data.
func (r *Ring) PopRange(begin, end uint64) ([]float64, error) {
	if r.hdr == nil {
		return nil, ErrClosed
	}
	width := r.hdr.width
	capacity := r.hdr.capacity

	r.lock()
	head := atomic.LoadUint64(&r.hdr.head)
	tail := atomic.LoadUint64(&r.hdr.tail)
	if begin > end || end > tail {
		r.unlock()
		return nil, fmt.Errorf("%w: [%d, %d) with tail %d", ErrBadRange, begin, end, tail)
	}
	if begin < head {
		r.unlock()
		return nil, fmt.Errorf("%w: begin %d, head %d", ErrStaleRange, begin, head)
	}

	count := end - begin
	out := make([]float64, count*width)
	start := begin % capacity
	first := count
	if start+first > capacity {
		first = capacity - start
	}
	copy(out, r.data[start*width:(start+first)*width])
	if first < count {
		copy(out[first*width:], r.data[:(count-first)*width])
	}
	r.unlock()
	return out, nil
}

// AdvanceHead marks records before to as consumed. Moving head backwards is
// a no-op, which happens when an overwrite already discarded the records.
func (r *Ring) AdvanceHead(to uint64) error {
	if r.hdr == nil {
		return ErrClosed
	}
	r.lock()
	defer r.unlock()
	tail := atomic.LoadUint64(&r.hdr.tail)
	if to > tail {
		return fmt.Errorf("%w: advance to %d beyond tail %d", ErrBadRange, to, tail)
	}
	if to > atomic.LoadUint64(&r.hdr.head) {
		atomic.StoreUint64(&r.hdr.head, to)
	}
	return nil
}

// Reset empties the ring and zeroes its contents.
func (r *Ring) Reset() {
	if r.hdr == nil {
		return
	}
	r.lock()
	clear(r.data)
	atomic.StoreUint64(&r.hdr.head, 0)
	atomic.StoreUint64(&r.hdr.tail, 0)
	atomic.StoreUint64(&r.hdr.dropped, 0)
	r.unlock()
}

// Close unmaps the view. The segment survives until the owner unlinks it.
func (r *Ring) Close() error {
	if r.mem == nil {
		return nil
	}
	if !r.mapped {
		r.mem, r.hdr, r.data = nil, nil, nil
		return nil
	}
	mem := r.mem
	r.mem, r.hdr, r.data = nil, nil, nil
	return unix.Munmap(mem)
}

// Unlink removes the segment name. Only the allocating view may unlink, and
// only after every attached process has exited.
func (r *Ring) Unlink() error {
	if !r.owner || r.name == "" {
		return nil
	}
	if err := shm.Unlink(r.name); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to unlink shared memory %q: %w", r.name, err)
	}
	return nil
}

func (r *Ring) displayName() string {
	if r.name == "" {
		return "local"
	}
	return r.name
}
