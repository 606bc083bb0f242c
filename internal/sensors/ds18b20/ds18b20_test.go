package ds18b20

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSlave(t *testing.T, dir, id, contents string) {
	t.Helper()
	d := filepath.Join(dir, id)
	require.NoError(t, os.MkdirAll(d, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(d, "w1_slave"), []byte(contents), 0o644))
}

func TestSysfsID(t *testing.T) {
	id, err := SysfsID("0x28aaec0119130238")
	require.NoError(t, err)
	assert.Equal(t, "28-02131901ecaa", id)

	id, err = SysfsID(" 28-02131901ECAA ")
	require.NoError(t, err)
	assert.Equal(t, "28-02131901ecaa", id)

	_, err = SysfsID("zz")
	assert.Error(t, err)
	_, err = SysfsID("")
	assert.Error(t, err)
}

func TestReadCelsius(t *testing.T) {
	dir := t.TempDir()
	writeSlave(t, dir, "28-02131901ecaa",
		"72 01 4b 46 7f ff 0e 10 57 : crc=57 YES\n72 01 4b 46 7f ff 0e 10 57 t=23125\n")

	p, err := New(dir, "0x28aaec0119130238")
	require.NoError(t, err)
	c, err := p.ReadCelsius(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 23.1, c)
}

func TestReadCelsius_Negative(t *testing.T) {
	dir := t.TempDir()
	writeSlave(t, dir, "28-000000000001",
		"5e ff 4b 46 7f ff 02 10 a8 : crc=a8 YES\n5e ff 4b 46 7f ff 02 10 a8 t=-10125\n")
	p, err := New(dir, "28-000000000001")
	require.NoError(t, err)
	c, err := p.ReadCelsius(context.Background())
	require.NoError(t, err)
	assert.Equal(t, -10.1, c)
}

func TestReadCelsius_Faults(t *testing.T) {
	dir := t.TempDir()
	p, err := New(dir, "28-000000000002")
	require.NoError(t, err)
	_, err = p.ReadCelsius(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)

	writeSlave(t, dir, "28-000000000002", "00 00 : crc=00 NO\n00 00 t=0\n")
	_, err = p.ReadCelsius(context.Background())
	assert.ErrorIs(t, err, ErrBadReading)

	writeSlave(t, dir, "28-000000000002", "50 05 : crc=ab YES\n50 05 t=85000\n")
	_, err = p.ReadCelsius(context.Background())
	assert.ErrorIs(t, err, ErrBadReading)
}

func TestList(t *testing.T) {
	dir := t.TempDir()
	writeSlave(t, dir, "28-000000000001", "")
	writeSlave(t, dir, "10-000000000009", "")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "w1_bus_master1"), 0o755))

	ids, err := List(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"28-000000000001"}, ids)
}
