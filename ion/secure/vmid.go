// Package secure moves buffer memory between security domains.
//
// Every page starts out owned by the non-secure OS domain (VMIDHLOS). A
// secure heap hands its pages to one or more secure domains with Assign
// before the buffer is exposed, and takes them back with Unassign before the
// pages are recycled. The actual ownership change is made by a Hypervisor.
package secure

import (
	"errors"
	"fmt"
	"math/bits"
	"strconv"
)

// VMID identifies a security domain.
type VMID uint32

const (
	VMIDHLOS           VMID = 0x3
	VMIDCPTouch        VMID = 0x8
	VMIDCPBitstream    VMID = 0x9
	VMIDCPPixel        VMID = 0xA
	VMIDCPNonPixel     VMID = 0xB
	VMIDCPCamera       VMID = 0xD
	VMIDHLOSFree       VMID = 0xE
	VMIDCPSecDisplay   VMID = 0x11
	VMIDCPApp          VMID = 0x12
	VMIDCPSPSSSP       VMID = 0x1A
	VMIDCPCameraPrev   VMID = 0x1D
	VMIDCPSPSSSPShared VMID = 0x22
	VMIDCPSPSSHLOS     VMID = 0x24
)

var vmidNames = map[VMID]string{
	VMIDHLOS:           "hlos",
	VMIDCPTouch:        "cp_touch",
	VMIDCPBitstream:    "cp_bitstream",
	VMIDCPPixel:        "cp_pixel",
	VMIDCPNonPixel:     "cp_non_pixel",
	VMIDCPCamera:       "cp_camera",
	VMIDHLOSFree:       "hlos_free",
	VMIDCPSecDisplay:   "cp_sec_display",
	VMIDCPApp:          "cp_app",
	VMIDCPSPSSSP:       "cp_spss_sp",
	VMIDCPCameraPrev:   "cp_camera_preview",
	VMIDCPSPSSSPShared: "cp_spss_sp_shared",
	VMIDCPSPSSHLOS:     "cp_spss_hlos_shared",
}

func (v VMID) String() string {
	if n, ok := vmidNames[v]; ok {
		return n
	}
	return fmt.Sprintf("vmid(%#x)", uint32(v))
}

// ParseVMID accepts a domain name ("cp_pixel") or a number ("0xa", "10").
func ParseVMID(s string) (VMID, error) {
	for v, n := range vmidNames {
		if n == s {
			return v, nil
		}
	}
	n, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: unknown domain %q", ErrInvalidVMIDFlags, s)
	}
	return VMID(n), nil
}

// Flags are content-protection allocation flags. Bits below FlagCPTouch
// belong to the allocator core and are ignored here.
type Flags uint64

const (
	FlagCPTouch        Flags = 1 << 17
	FlagCPBitstream    Flags = 1 << 18
	FlagCPPixel        Flags = 1 << 19
	FlagCPNonPixel     Flags = 1 << 20
	FlagCPCamera       Flags = 1 << 21
	FlagCPHLOS         Flags = 1 << 22
	FlagCPHLOSFree     Flags = 1 << 23
	FlagCPSecDisplay   Flags = 1 << 25
	FlagCPApp          Flags = 1 << 26
	FlagCPCameraPrev   Flags = 1 << 27
	FlagCPSPSSSP       Flags = 1 << 28
	FlagCPSPSSSPShared Flags = 1 << 29
	FlagCPSPSSHLOS     Flags = 1 << 30

	// FlagsCPMask covers every content-protection bit.
	FlagsCPMask = FlagCPTouch | FlagCPBitstream | FlagCPPixel | FlagCPNonPixel |
		FlagCPCamera | FlagCPHLOS | FlagCPHLOSFree | FlagCPSecDisplay | FlagCPApp |
		FlagCPCameraPrev | FlagCPSPSSSP | FlagCPSPSSSPShared | FlagCPSPSSHLOS
)

// ErrInvalidVMIDFlags is returned when flags name no known domain.
var ErrInvalidVMIDFlags = errors.New("secure: flags do not name a valid vmid")

// Checked in order; the first match wins.
var secureFlagTable = []struct {
	flag Flags
	vmid VMID
}{
	{FlagCPTouch, VMIDCPTouch},
	{FlagCPBitstream, VMIDCPBitstream},
	{FlagCPPixel, VMIDCPPixel},
	{FlagCPNonPixel, VMIDCPNonPixel},
	{FlagCPCamera, VMIDCPCamera},
	{FlagCPSecDisplay, VMIDCPSecDisplay},
	{FlagCPApp, VMIDCPApp},
	{FlagCPCameraPrev, VMIDCPCameraPrev},
	{FlagCPSPSSSP, VMIDCPSPSSSP},
	{FlagCPSPSSSPShared, VMIDCPSPSSSPShared},
	{FlagCPSPSSHLOS, VMIDCPSPSSHLOS},
}

// GetSecureVMID maps flags to the secure domain they request.
func GetSecureVMID(flags Flags) (VMID, error) {
	for _, e := range secureFlagTable {
		if flags&e.flag != 0 {
			return e.vmid, nil
		}
	}
	return 0, fmt.Errorf("%w: %#x", ErrInvalidVMIDFlags, uint64(flags))
}

// GetVMID is GetSecureVMID extended with the two non-secure destinations.
func GetVMID(flags Flags) (VMID, error) {
	if v, err := GetSecureVMID(flags); err == nil {
		return v, nil
	}
	switch {
	case flags&FlagCPHLOS != 0:
		return VMIDHLOS, nil
	case flags&FlagCPHLOSFree != 0:
		return VMIDHLOSFree, nil
	}
	return 0, fmt.Errorf("%w: %#x", ErrInvalidVMIDFlags, uint64(flags))
}

// IsSecureVMIDValid reports whether vmid is one of the secure domains.
func IsSecureVMIDValid(vmid VMID) bool {
	for _, e := range secureFlagTable {
		if e.vmid == vmid {
			return true
		}
	}
	return false
}

// CountSetBits returns the number of set bits in v.
func CountSetBits(v Flags) int { return bits.OnesCount64(uint64(v)) }

// PopulateVMList translates each content-protection bit in flags to its
// domain. The list has n slots and is filled from the last slot backwards in
// ascending bit order, so the highest bit ends up first. It fails when a bit
// names no domain or there are more bits than slots.
func PopulateVMList(flags Flags, n int) ([]VMID, error) {
	flags &= FlagsCPMask
	out := make([]VMID, n)
	slot := n
	for rest := uint64(flags); rest != 0; rest &= rest - 1 {
		bit := Flags(1) << bits.TrailingZeros64(rest)
		v, err := GetVMID(bit)
		if err != nil {
			return nil, err
		}
		if slot == 0 {
			return nil, fmt.Errorf("%w: %d bits do not fit %d slots", ErrInvalidVMIDFlags, CountSetBits(flags), n)
		}
		slot--
		out[slot] = v
	}
	return out, nil
}
