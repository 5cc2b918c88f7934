package secure

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/ionkit/ion/page"
	"github.com/joshuapare/ionkit/ion/sg"
)

func fourExtents() *sg.Table {
	t := &sg.Table{}
	for i := 0; i < 4; i++ {
		addr := uint64(0x10000 * (i + 1))
		t.Extents = append(t.Extents, sg.Extent{Addr: addr, Len: page.Size, Mem: make([]byte, page.Size)})
	}
	return t
}

func requireOwners(t *testing.T, tbl *Table, st *sg.Table, want ...VMID) {
	t.Helper()
	for _, e := range st.Extents {
		require.ElementsMatch(t, want, tbl.Owners(e.Addr), "extent %#x", e.Addr)
	}
}

func TestGetSecureVMID(t *testing.T) {
	tests := []struct {
		name  string
		flags Flags
		want  VMID
		err   bool
	}{
		{"pixel", FlagCPPixel, VMIDCPPixel, false},
		{"touch wins over pixel", FlagCPPixel | FlagCPTouch, VMIDCPTouch, false},
		{"camera preview", FlagCPCameraPrev, VMIDCPCameraPrev, false},
		{"spss hlos shared", FlagCPSPSSHLOS, VMIDCPSPSSHLOS, false},
		{"hlos is not secure", FlagCPHLOS, 0, true},
		{"no flags", 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := GetSecureVMID(tt.flags)
			if tt.err {
				require.ErrorIs(t, err, ErrInvalidVMIDFlags)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestGetVMID_FallsBackToHLOS(t *testing.T) {
	v, err := GetVMID(FlagCPHLOS)
	require.NoError(t, err)
	require.Equal(t, VMIDHLOS, v)

	v, err = GetVMID(FlagCPHLOSFree)
	require.NoError(t, err)
	require.Equal(t, VMIDHLOSFree, v)

	v, err = GetVMID(FlagCPHLOS | FlagCPApp)
	require.NoError(t, err)
	require.Equal(t, VMIDCPApp, v, "secure domain takes precedence")

	_, err = GetVMID(1 << 3)
	require.ErrorIs(t, err, ErrInvalidVMIDFlags)
}

func TestIsSecureVMIDValid(t *testing.T) {
	require.True(t, IsSecureVMIDValid(VMIDCPBitstream))
	require.True(t, IsSecureVMIDValid(VMIDCPSPSSSPShared))
	require.False(t, IsSecureVMIDValid(VMIDHLOS))
	require.False(t, IsSecureVMIDValid(VMIDHLOSFree))
	require.False(t, IsSecureVMIDValid(0x99))
}

func TestPopulateVMList(t *testing.T) {
	flags := FlagCPPixel | FlagCPTouch | FlagCPSecDisplay | 1<<2 // low bit ignored
	n := CountSetBits(flags & FlagsCPMask)
	require.Equal(t, 3, n)

	got, err := PopulateVMList(flags, n)
	require.NoError(t, err)
	require.Equal(t, []VMID{VMIDCPSecDisplay, VMIDCPPixel, VMIDCPTouch}, got)

	_, err = PopulateVMList(flags, 2)
	require.ErrorIs(t, err, ErrInvalidVMIDFlags)

	got, err = PopulateVMList(FlagCPPixel, 2)
	require.NoError(t, err)
	require.Equal(t, []VMID{0, VMIDCPPixel}, got)
}

func TestAssign_RoundTrip(t *testing.T) {
	tbl := NewTable()
	st := fourExtents()

	require.NoError(t, Assign(tbl, st, VMIDCPPixel))
	requireOwners(t, tbl, st, VMIDCPPixel)
	require.Equal(t, int64(4*page.Size), tbl.SecureBytes(VMIDCPPixel))

	require.NoError(t, Unassign(tbl, st, VMIDCPPixel))
	requireOwners(t, tbl, st, VMIDHLOS)
	require.Zero(t, tbl.Assigned())
}

func TestAssignMulti_SharedDomains(t *testing.T) {
	tbl := NewTable()
	st := fourExtents()
	dests := []VMID{VMIDCPSPSSSPShared, VMIDCPSPSSHLOS}

	require.NoError(t, AssignMulti(tbl, st, dests))
	requireOwners(t, tbl, st, dests...)

	// Unassigning with the wrong owner set is refused and leaks.
	err := Unassign(tbl, st, VMIDCPSPSSSPShared)
	require.ErrorIs(t, err, ErrLeaked)
	requireOwners(t, tbl, st, dests...)

	require.NoError(t, UnassignMulti(tbl, st, dests))
	requireOwners(t, tbl, st, VMIDHLOS)
}

func TestAssign_MidListFailureRollsBack(t *testing.T) {
	tbl := NewTable()
	st := fourExtents()
	boom := errors.New("hyp call failed")
	calls := 0
	tbl.SetFault(func(uint64, []VMID, []VMID) error {
		calls++
		if calls == 3 {
			return boom
		}
		return nil
	})

	err := Assign(tbl, st, VMIDCPCamera)
	require.ErrorIs(t, err, ErrAssignFailed)
	require.ErrorIs(t, err, boom)
	require.NotErrorIs(t, err, ErrLeaked)

	requireOwners(t, tbl, st, VMIDHLOS)
	require.Zero(t, tbl.Assigned())
	require.Equal(t, 5, tbl.Calls(), "three forward transfers, two rollbacks")
}

func TestAssign_RollbackFailureFailsClosed(t *testing.T) {
	tbl := NewTable()
	st := fourExtents()
	boom := errors.New("hyp call failed")

	// Let the first two extents move, fail the third and every rollback.
	tbl.FailAfter(2, boom)

	err := Assign(tbl, st, VMIDCPCamera)
	require.ErrorIs(t, err, ErrAssignFailed)
	require.ErrorIs(t, err, ErrLeaked)
	tbl.SetFault(nil)

	require.Equal(t, []VMID{VMIDCPCamera}, tbl.Owners(st.Extents[0].Addr))
	require.Equal(t, []VMID{VMIDCPCamera}, tbl.Owners(st.Extents[1].Addr))
	require.Equal(t, []VMID{VMIDHLOS}, tbl.Owners(st.Extents[2].Addr))
}

func TestUnassign_FailureLeaksAndKeepsSecure(t *testing.T) {
	tbl := NewTable()
	st := fourExtents()
	require.NoError(t, Assign(tbl, st, VMIDCPApp))

	calls := 0
	boom := errors.New("hyp call failed")
	tbl.SetFault(func(addr uint64, from, to []VMID) error {
		calls++
		if calls == 3 {
			return boom
		}
		return nil
	})

	err := Unassign(tbl, st, VMIDCPApp)
	require.ErrorIs(t, err, ErrAssignFailed)
	require.ErrorIs(t, err, ErrLeaked)
	tbl.SetFault(nil)

	// The two extents already returned were moved back, so the whole buffer
	// is still consistently secure.
	requireOwners(t, tbl, st, VMIDCPApp)
}

func TestAssign_NoDestination(t *testing.T) {
	err := AssignMulti(NewTable(), fourExtents(), nil)
	require.ErrorIs(t, err, ErrInvalidVMIDFlags)
}

func TestParseVMID(t *testing.T) {
	v, err := ParseVMID("cp_pixel")
	require.NoError(t, err)
	require.Equal(t, VMIDCPPixel, v)

	v, err = ParseVMID("0x12")
	require.NoError(t, err)
	require.Equal(t, VMIDCPApp, v)

	_, err = ParseVMID("nope")
	require.ErrorIs(t, err, ErrInvalidVMIDFlags)
}
