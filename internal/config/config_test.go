package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseAll(t *testing.T, operands ...string) *Options {
	t.Helper()
	o := DefaultOptions()
	require.NoError(t, Parse(o, operands))
	require.NoError(t, o.Finish())
	return o
}

func TestParseOperands(t *testing.T) {
	o := parseAll(t,
		"bs=512", "count=1024", "skip=8", "seek=16", "bpt=4", "thr=2",
		"if=/dev/sg1", "of=/dev/sg2", "of2=out2.bin", "ofreg=reg.bin",
		"iflag=v4,dio", "oflag=v4,swait", "fua=3", "coe=1", "ae=5",
		"deb=2",
	)
	assert.Equal(t, 512, o.Bs)
	assert.Equal(t, int64(1024), o.Count)
	assert.Equal(t, int64(8), o.Skip)
	assert.Equal(t, int64(16), o.Seek)
	assert.Equal(t, 4, o.Bpt)
	assert.Equal(t, 2, o.Threads)
	assert.Equal(t, "/dev/sg1", o.In)
	assert.Equal(t, "/dev/sg2", o.Out)
	assert.Equal(t, "out2.bin", o.Out2)
	assert.Equal(t, "reg.bin", o.OutReg)
	assert.True(t, o.InFlags.V4)
	assert.True(t, o.InFlags.Dio)
	assert.True(t, o.OutFlags.V4)
	assert.True(t, o.OutFlags.Swait)
	assert.True(t, o.InFlags.Fua)
	assert.True(t, o.OutFlags.Fua)
	assert.True(t, o.InFlags.Coe)
	assert.True(t, o.OutFlags.Coe)
	assert.Equal(t, 5, o.AbortEvery)
	assert.Equal(t, 2, o.Verbose)
}

func TestParseSizes(t *testing.T) {
	o := parseAll(t, "bs=4kb")
	assert.Equal(t, 4096, o.Bs)
}

func TestBptDefaults(t *testing.T) {
	o := parseAll(t, "bs=512")
	assert.Equal(t, DefBpt, o.Bpt)

	o = parseAll(t, "bs=2048")
	assert.Equal(t, DefBptHighBs, o.Bpt)

	// An explicit bpt survives the bs>=2048 rule.
	o = parseAll(t, "bs=2048", "bpt=64")
	assert.Equal(t, 64, o.Bpt)
}

func TestIbsObsMustMatch(t *testing.T) {
	o := DefaultOptions()
	assert.ErrorIs(t, Parse(o, []string{"bs=512", "ibs=1024"}), ErrSyntax)

	o = DefaultOptions()
	require.NoError(t, Parse(o, []string{"bs=512", "ibs=512", "obs=512"}))
}

func TestCdbPromotion(t *testing.T) {
	// Ranges past 32 bits promote the default size to 16.
	o := parseAll(t, "skip=4294967295", "count=2")
	assert.Equal(t, 16, o.CdbSize)

	// An explicit cdbsz is left alone; the builder reports the overflow.
	o = parseAll(t, "cdbsz=10", "skip=4294967295", "count=2")
	assert.Equal(t, 10, o.CdbSize)

	o = parseAll(t, "count=100")
	assert.Equal(t, DefCdbSize, o.CdbSize)
}

func TestValidation(t *testing.T) {
	cases := [][]string{
		{"thr=0"},
		{"thr=17"},
		{"bs=0"},
		{"bpt=0"},
		{"cdbsz=8"},
		{"count=-2"},
		{"skip=-1"},
		{"elemsz_kb=2"},
		{"iflag=swait"},
		{"iflag=append"},
		{"iflag=mmap", "oflag=mmap"},
		{"oflag=mmap"},
		{"iflag=bogus"},
		{"iflag=v3,v4"},
		{"fua=x"},
		{"coe=2"},
		{"bs"},
	}
	for _, operands := range cases {
		o := DefaultOptions()
		err := Parse(o, operands)
		if err == nil {
			err = o.Finish()
		}
		assert.ErrorIs(t, err, ErrSyntax, "operands %v", operands)
	}
}

func TestSameFdsMmapConflictChecksBothSides(t *testing.T) {
	// The conflict must trip no matter which side carries same_fds.
	o := DefaultOptions()
	require.NoError(t, Parse(o, []string{"iflag=mmap,same_fds", "oflag=noshare"}))
	assert.ErrorIs(t, o.Finish(), ErrSyntax)

	o = DefaultOptions()
	require.NoError(t, Parse(o, []string{"iflag=mmap", "oflag=same_fds,noshare"}))
	assert.ErrorIs(t, o.Finish(), ErrSyntax)
}

func TestV4Promotion(t *testing.T) {
	o := parseAll(t, "iflag=v4")
	assert.True(t, o.OutFlags.V4)

	// Pinning the other side to v3 blocks the promotion.
	o = parseAll(t, "iflag=v4", "oflag=v3")
	assert.False(t, o.OutFlags.V4)
	assert.True(t, o.OutFlags.V3)
}

func TestNullOutputFlag(t *testing.T) {
	o := parseAll(t, "of=whatever", "oflag=null")
	assert.Equal(t, ".", o.Out)
}

func TestMmapOutputNeedsNoshare(t *testing.T) {
	o := parseAll(t, "oflag=mmap,noshare")
	assert.True(t, o.OutFlags.Mmap)

	o = parseAll(t, "oflag=mmap", "iflag=noshare")
	assert.True(t, o.OutFlags.Mmap)
}

func TestProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"bs: 4kb\nbpt: 16\nthr: 8\ncoe: true\niflag: [v4]\noflag: [v4, dpo]\n"), 0o644))

	o := DefaultOptions()
	require.NoError(t, LoadProfile(o, path))
	require.NoError(t, o.Finish())

	assert.Equal(t, 4096, o.Bs)
	assert.Equal(t, 16, o.Bpt)
	assert.Equal(t, 8, o.Threads)
	assert.True(t, o.InFlags.Coe)
	assert.True(t, o.OutFlags.Dpo)
	assert.True(t, o.InFlags.V4)

	// Operands override profile values.
	o = DefaultOptions()
	require.NoError(t, LoadProfile(o, path))
	require.NoError(t, Parse(o, []string{"bs=512", "thr=2"}))
	require.NoError(t, o.Finish())
	assert.Equal(t, 512, o.Bs)
	assert.Equal(t, 2, o.Threads)

	assert.Error(t, LoadProfile(DefaultOptions(), filepath.Join(t.TempDir(), "nope.yaml")))
}
