package scanning

import (
	"encoding/binary"
	"iter"
	"net/netip"

	"github.com/anstrom/netmonkey/internal/errors"
)

const (
	minPrefixLen = 1
	maxPrefixLen = 32
)

// ClampPrefix forces a prefix length into [1, 32]. Every entry point that
// accepts a subnet mask applies it, so /0 behaves as /1 and /40 as /32.
func ClampPrefix(prefixLen int) int {
	return max(minPrefixLen, min(maxPrefixLen, prefixLen))
}

// Range is an IPv4 block derived from a base address and a prefix length.
// Addresses are produced on demand so large blocks cost nothing up front.
type Range struct {
	network   uint32
	prefixLen int
}

// NewRange computes the block containing base. The prefix length is clamped.
func NewRange(base netip.Addr, prefixLen int) (Range, error) {
	if !base.IsValid() {
		return Range{}, errors.ErrInvalidTarget("")
	}
	base = base.Unmap()
	if !base.Is4() {
		return Range{}, errors.ErrInvalidTarget(base.String())
	}

	prefixLen = ClampPrefix(prefixLen)
	mask := ^uint32(0) << (32 - prefixLen)
	return Range{
		network:   addrToUint32(base) & mask,
		prefixLen: prefixLen,
	}, nil
}

// ComputeRange returns every address of the block containing base, network and
// broadcast included, in ascending order.
func ComputeRange(base netip.Addr, prefixLen int) ([]netip.Addr, error) {
	r, err := NewRange(base, prefixLen)
	if err != nil {
		return nil, err
	}

	addrs := make([]netip.Addr, 0, r.Size())
	for addr := range r.All() {
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

// Size is the number of addresses in the block, 2^(32-prefix).
func (r Range) Size() uint64 {
	return uint64(1) << (32 - r.prefixLen)
}

// PrefixLen returns the clamped prefix length.
func (r Range) PrefixLen() int {
	return r.prefixLen
}

// At returns the i-th address of the block. It panics if i >= Size().
func (r Range) At(i uint64) netip.Addr {
	if i >= r.Size() {
		panic("scanning: range index out of bounds")
	}
	return uint32ToAddr(r.network + uint32(i))
}

// Network returns the first address of the block.
func (r Range) Network() netip.Addr {
	return uint32ToAddr(r.network)
}

// Broadcast returns the last address of the block.
func (r Range) Broadcast() netip.Addr {
	return uint32ToAddr(r.network + uint32(r.Size()-1))
}

// Prefix returns the block in CIDR form.
func (r Range) Prefix() netip.Prefix {
	return netip.PrefixFrom(r.Network(), r.prefixLen)
}

// Contains reports whether addr lies inside the block.
func (r Range) Contains(addr netip.Addr) bool {
	return r.Prefix().Contains(addr.Unmap())
}

// All yields the addresses of the block in ascending order.
func (r Range) All() iter.Seq[netip.Addr] {
	return func(yield func(netip.Addr) bool) {
		size := r.Size()
		for i := uint64(0); i < size; i++ {
			if !yield(uint32ToAddr(r.network + uint32(i))) {
				return
			}
		}
	}
}

// String returns the CIDR notation of the block.
func (r Range) String() string {
	return r.Prefix().String()
}

// SubnetMaskDotted renders a prefix length as a dotted decimal mask, e.g. 24
// becomes "255.255.255.0". The prefix length is clamped first.
func SubnetMaskDotted(prefixLen int) string {
	prefixLen = ClampPrefix(prefixLen)

	var octets [4]byte
	for i, boundary := range []int{8, 16, 24, 32} {
		shift := max(0, min(8, boundary-prefixLen))
		octets[i] = uint8(0xFF) << shift
	}
	return netip.AddrFrom4(octets).String()
}

func addrToUint32(addr netip.Addr) uint32 {
	b := addr.As4()
	return binary.BigEndian.Uint32(b[:])
}

func uint32ToAddr(v uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return netip.AddrFrom4(b)
}
