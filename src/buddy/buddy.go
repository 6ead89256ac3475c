// Package buddy implements a binary buddy memory allocator over a single
// fixed-size, power-of-two region of address space obtained once from the
// operating system. It offers Alloc, Free and Realloc with worst-case
// behavior logarithmic in the pool's order.
package buddy

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Order bounds and tag values, matching the reference allocator exactly.
const (
	// DefaultK is the order used when Init is called with requestedBytes == 0.
	DefaultK uint = 30
	// MinK is the lowest order a pool's top order (kvalM) may take.
	MinK uint = 20
	// MaxK is one larger than the largest usable top order: the clamp in
	// Init rounds any requested order above MaxK down to MaxK-1, so the
	// pool's effective ceiling is MaxK-1. See DESIGN.md for why this
	// off-by-one is kept rather than "fixed".
	MaxK uint = 48
	// SmallestK is the smallest order Alloc will ever hand out, large
	// enough that even a 1-byte request carries its header.
	SmallestK uint = 6

	// BlockAvail marks a block that sits on a free list.
	BlockAvail uint16 = 1
	// BlockReserved marks a block that has been handed to a caller.
	BlockReserved uint16 = 0
	// BlockUnused marks a sentinel anchor; never a real block.
	BlockUnused uint16 = 3
)

// Avail is the block header colocated at offset 0 of every block, free or
// reserved. It doubles as the sentinel anchor of Pool.avail[k]'s circular
// doubly-linked free list.
type Avail struct {
	tag  uint16
	kval uint16
	next *Avail
	prev *Avail
}

// HeaderSize is the number of bytes every block reserves for its header;
// the payload pointer returned by Alloc/Realloc sits HeaderSize bytes past
// the block's own address.
const HeaderSize = unsafe.Sizeof(Avail{})

// Pool is a single buddy-managed region of memory. The zero value is not
// ready to use; call Init first.
type Pool struct {
	kvalM    uint         // the pool's top order
	numBytes uintptr      // total bytes managed, == 1<<kvalM
	base     uintptr      // base address of the mmap'd region
	avail    [MaxK]Avail  // one free-list sentinel per order
	lock     sync.Mutex
}

// orderForBytes returns the smallest k such that 2^k >= bytes. It is a pure
// function: orderForBytes(0) == orderForBytes(1) == 0, and the SmallestK
// floor is applied by callers (Alloc), not here.
func orderForBytes(bytes uintptr) uint {
	var k uint
	for (uintptr(1) << k) < bytes {
		k++
	}
	return k
}

// OrderForBytes exposes orderForBytes for tests and callers that need to
// predict which order a given request will land in.
func OrderForBytes(bytes uintptr) uint {
	return orderForBytes(bytes)
}

// buddyOf returns the buddy of block at its current order within pool. The
// top-order block has no buddy inside the pool; callers must guard with
// block.kval < pool.kvalM before calling.
func buddyOf(pool *Pool, block *Avail) *Avail {
	offset := uintptr(unsafe.Pointer(block)) - pool.base
	buddyOffset := offset ^ (uintptr(1) << block.kval)
	return (*Avail)(unsafe.Pointer(pool.base + buddyOffset))
}

// BuddyOf exposes buddyOf for tests. block must be a pointer previously
// returned by Alloc/Realloc, not a raw block header address.
func BuddyOf(pool *Pool, payload unsafe.Pointer) unsafe.Pointer {
	block := (*Avail)(unsafe.Pointer(uintptr(payload) - HeaderSize))
	buddy := buddyOf(pool, block)
	return unsafe.Pointer(uintptr(unsafe.Pointer(buddy)) + HeaderSize)
}

// Init acquires a backing region of exactly 2^k bytes, where k is derived
// from requestedBytes (or DefaultK if 0), clamped to [MinK, MaxK-1], and
// seeds the pool with one BlockAvail block spanning the whole region.
//
// A failure to map the backing region is unrecoverable: it is reported
// through FatalHandler (panic by default) in addition to being returned,
// so no partial-init state is ever observable by a caller that lets the
// default handler run.
func Init(pool *Pool, requestedBytes uintptr) error {
	pool.lock.Lock()
	defer pool.lock.Unlock()

	kval := DefaultK
	if requestedBytes != 0 {
		kval = orderForBytes(requestedBytes)
	}
	if kval < MinK {
		kval = MinK
	}
	if kval > MaxK {
		kval = MaxK - 1
	}

	// Reset every field but the lock itself: we are holding it, and
	// overwriting a locked sync.Mutex's memory (as a blanket *pool =
	// Pool{} would do) corrupts its state and makes the deferred Unlock
	// below panic.
	pool.kvalM = kval
	pool.numBytes = uintptr(1) << pool.kvalM
	pool.base = 0
	pool.avail = [MaxK]Avail{}

	data, err := unix.Mmap(-1, 0, int(pool.numBytes), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		wrapped := fmt.Errorf("buddy: map %d-byte pool: %w", pool.numBytes, err)
		fatal("buddy.Init mmap", err)
		return wrapped
	}
	pool.base = uintptr(unsafe.Pointer(&data[0]))

	for i := range pool.avail[:pool.kvalM+1] {
		pool.avail[i].next = &pool.avail[i]
		pool.avail[i].prev = &pool.avail[i]
		pool.avail[i].kval = uint16(i)
		pool.avail[i].tag = BlockUnused
	}

	first := (*Avail)(unsafe.Pointer(pool.base))
	first.tag = BlockAvail
	first.kval = uint16(kval)
	first.next = &pool.avail[kval]
	first.prev = &pool.avail[kval]
	pool.avail[kval].next = first
	pool.avail[kval].prev = first

	debugf("Init: kvalM=%d numBytes=%d base=%#x", pool.kvalM, pool.numBytes, pool.base)
	return nil
}

// Destroy releases the backing region and zeroes the pool so the struct can
// be reused with a fresh Init. Like Init's mmap, a munmap failure is
// unrecoverable and is routed through FatalHandler.
func Destroy(pool *Pool) error {
	pool.lock.Lock()
	defer pool.lock.Unlock()

	if pool.base == 0 {
		return nil
	}

	data := unsafe.Slice((*byte)(unsafe.Pointer(pool.base)), pool.numBytes)
	if err := unix.Munmap(data); err != nil {
		wrapped := fmt.Errorf("buddy: unmap pool: %w", err)
		fatal("buddy.Destroy munmap", err)
		return wrapped
	}

	pool.kvalM = 0
	pool.numBytes = 0
	pool.base = 0
	pool.avail = [MaxK]Avail{}
	debugf("Destroy: pool released")
	return nil
}

// removeFirst unlinks and returns the first real block on the free list
// anchored at head, or nil if the list is empty (head points to itself).
func removeFirst(head *Avail) *Avail {
	first := head.next
	if first == head {
		return nil
	}
	first.prev.next = first.next
	first.next.prev = first.prev
	first.next = nil
	first.prev = nil
	return first
}

// insertBlock head-inserts block into the free list anchored at head.
func insertBlock(head *Avail, block *Avail) {
	block.next = head.next
	block.prev = head
	head.next.prev = block
	head.next = block
}

// Alloc returns a payload pointer to a block of at least nbytes usable
// bytes, or (nil, err) on failure. size == 0 or a nil pool is
// ErrInvalidArgument; a request that cannot be satisfied even after
// scanning every order up to the pool's top order is ErrOutOfMemory.
func Alloc(pool *Pool, nbytes uintptr) (unsafe.Pointer, error) {
	if pool == nil || nbytes == 0 {
		return nil, ErrInvalidArgument
	}

	pool.lock.Lock()
	defer pool.lock.Unlock()

	needed := orderForBytes(nbytes + HeaderSize)
	if needed < SmallestK {
		needed = SmallestK
	}
	if needed > pool.kvalM {
		errorf("Alloc: order %d exceeds top order %d", needed, pool.kvalM)
		return nil, fmt.Errorf("%w: %d bytes needs order %d, pool tops out at %d", ErrOutOfMemory, nbytes, needed, pool.kvalM)
	}

	idx := needed
	for idx <= pool.kvalM && pool.avail[idx].next == &pool.avail[idx] {
		idx++
	}
	if idx > pool.kvalM {
		errorf("Alloc: no free block for order %d", needed)
		return nil, fmt.Errorf("%w: no free block of order %d or larger", ErrOutOfMemory, needed)
	}

	block := removeFirst(&pool.avail[idx])

	for idx > needed {
		idx--
		buddyAddr := uintptr(unsafe.Pointer(block)) + (uintptr(1) << idx)
		buddy := (*Avail)(unsafe.Pointer(buddyAddr))
		buddy.kval = uint16(idx)
		buddy.tag = BlockAvail
		insertBlock(&pool.avail[idx], buddy)
		block.kval = uint16(idx)
	}

	block.tag = BlockReserved
	debugf("Alloc: %d bytes -> order %d at %#x", nbytes, block.kval, unsafe.Pointer(block))
	return unsafe.Pointer(uintptr(unsafe.Pointer(block)) + HeaderSize), nil
}

// coalesce merges block with its buddy repeatedly while the buddy is free
// and the same order, then inserts the fully-merged block on its free
// list. block is already marked BlockAvail by the caller.
func coalesce(pool *Pool, block *Avail) {
	for block.kval < uint16(pool.kvalM) {
		buddy := buddyOf(pool, block)
		if buddy.tag != BlockAvail || buddy.kval != block.kval {
			break
		}

		buddy.prev.next = buddy.next
		buddy.next.prev = buddy.prev
		buddy.next = nil
		buddy.prev = nil

		if uintptr(unsafe.Pointer(buddy)) < uintptr(unsafe.Pointer(block)) {
			block = buddy
		}
		block.kval++
	}
	insertBlock(&pool.avail[block.kval], block)
}

// Free returns payload to the pool, recursively coalescing with an
// available same-order buddy. A nil pool or nil payload is a silent no-op.
func Free(pool *Pool, payload unsafe.Pointer) {
	if pool == nil || payload == nil {
		return
	}

	pool.lock.Lock()
	defer pool.lock.Unlock()

	block := (*Avail)(unsafe.Pointer(uintptr(payload) - HeaderSize))
	block.tag = BlockAvail
	debugf("Free: order %d at %#x", block.kval, unsafe.Pointer(block))
	coalesce(pool, block)
}

// Realloc grows or shrinks a previous allocation. A nil payload behaves
// like Alloc; nbytes == 0 behaves like Free and returns nil. Otherwise, if
// nbytes would also fit a block one order smaller than the current one
// (nbytes <= 2^(k-1) - HeaderSize + 1), the original payload is returned
// unchanged; any larger request allocates a new block, copies the old
// contents and frees the old block, even when nbytes would still fit the
// current block. This allocator never shrinks a block to reclaim space.
// On allocation failure during a relocation, the original block is left
// untouched and reserved; it is never freed on the failure path.
func Realloc(pool *Pool, payload unsafe.Pointer, nbytes uintptr) (unsafe.Pointer, error) {
	if pool == nil {
		return nil, ErrInvalidArgument
	}
	if payload == nil {
		return Alloc(pool, nbytes)
	}
	if nbytes == 0 {
		Free(pool, payload)
		return nil, nil
	}

	pool.lock.Lock()
	block := (*Avail)(unsafe.Pointer(uintptr(payload) - HeaderSize))
	kval := uintptr(block.kval)
	allocated := uintptr(1) << kval
	oldPayloadCap := allocated - HeaderSize

	var minReq uintptr
	if kval > 0 {
		minReq = (uintptr(1) << (kval - 1)) - HeaderSize + 1
	}
	pool.lock.Unlock()

	if nbytes <= minReq {
		return payload, nil
	}

	newPayload, err := Alloc(pool, nbytes)
	if err != nil {
		return nil, err
	}

	copySize := oldPayloadCap
	if nbytes < copySize {
		copySize = nbytes
	}
	src := unsafe.Slice((*byte)(payload), copySize)
	dst := unsafe.Slice((*byte)(newPayload), copySize)
	copy(dst, src)

	Free(pool, payload)
	debugf("Realloc: relocated order %d -> %d bytes", kval, nbytes)
	return newPayload, nil
}
