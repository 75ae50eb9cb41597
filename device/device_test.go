package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type conn string

func (c conn) UDID() string { return string(c) }

type fakeDiscovery struct {
	devices []Device
	err     error
	lookups []string
}

func (f *fakeDiscovery) List(context.Context) ([]Device, error) {
	return f.devices, f.err
}

func (f *fakeDiscovery) Provider(_ context.Context, udid string) (Provider, error) {
	f.lookups = append(f.lookups, udid)
	if f.err != nil {
		return nil, f.err
	}
	for _, d := range f.devices {
		if d.UDID == udid {
			return conn(udid), nil
		}
	}
	return nil, ErrDeviceNotFound
}

func TestSelectionLastWriteWins(t *testing.T) {
	r := NewRegistry(&fakeDiscovery{})

	_, ok := r.Get()
	assert.False(t, ok)
	_, err := r.Selected()
	assert.ErrorIs(t, err, ErrNoDeviceSelected)
	assert.Equal(t, "No device selected", err.Error())

	r.Set(Device{Name: "a", ID: 1, UDID: "udid-a"})
	r.Set(Device{Name: "b", ID: 2, UDID: "udid-b"})
	d, ok := r.Get()
	assert.True(t, ok)
	assert.Equal(t, "b", d.Name)
}

func TestResolveUsesUDID(t *testing.T) {
	disc := &fakeDiscovery{devices: []Device{{Name: "phone", ID: 9, UDID: "00008101-AAAA"}}}
	r := NewRegistry(disc)

	// The numeric id changed since selection; lookup still works.
	r.Set(Device{Name: "phone", ID: 3, UDID: "00008101-AAAA"})

	d, p, err := r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "phone", d.Name)
	assert.Equal(t, "00008101-AAAA", p.UDID())
	assert.Equal(t, []string{"00008101-AAAA"}, disc.lookups)
}

func TestResolveErrors(t *testing.T) {
	r := NewRegistry(&fakeDiscovery{})
	_, _, err := r.Resolve(context.Background())
	assert.ErrorIs(t, err, ErrNoDeviceSelected)

	r.Set(Device{Name: "gone", UDID: "missing"})
	_, _, err = r.Resolve(context.Background())
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	down := errors.New("dial usbmuxd: connection refused")
	r = NewRegistry(&fakeDiscovery{err: down})
	r.Set(Device{Name: "x", UDID: "x"})
	_, _, err = r.Resolve(context.Background())
	assert.ErrorIs(t, err, ErrConnectionFailed)
	assert.ErrorIs(t, err, down)
}

func TestList(t *testing.T) {
	devices := []Device{{Name: "a", UDID: "1"}, {Name: "b", UDID: "2"}}
	r := NewRegistry(&fakeDiscovery{devices: devices})
	got, err := r.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, devices, got)

	r = NewRegistry(&fakeDiscovery{err: errors.New("no daemon")})
	_, err = r.List(context.Background())
	assert.ErrorIs(t, err, ErrConnectionFailed)
}

func TestRegistryConcurrency(t *testing.T) {
	r := NewRegistry(&fakeDiscovery{})
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.Set(Device{Name: fmt.Sprint(i), ID: uint32(i), UDID: fmt.Sprint(i)})
			d, ok := r.Get()
			assert.True(t, ok)
			assert.Equal(t, d.Name, d.UDID)
		}(i)
	}
	wg.Wait()
}

type slowDiscovery struct {
	fakeDiscovery
	release chan struct{}
	scans   atomic.Int32
}

func (s *slowDiscovery) List(ctx context.Context) ([]Device, error) {
	s.scans.Add(1)
	<-s.release
	return s.fakeDiscovery.List(ctx)
}

func TestListSharesScan(t *testing.T) {
	d := &slowDiscovery{
		fakeDiscovery: fakeDiscovery{devices: []Device{{Name: "a", UDID: "1"}}},
		release:       make(chan struct{}),
	}
	r := NewRegistry(d)

	const callers = 5
	var started, wg sync.WaitGroup
	started.Add(callers)
	wg.Add(callers)
	results := make([][]Device, callers)
	for i := 0; i < callers; i++ {
		i := i
		go func() {
			defer wg.Done()
			started.Done()
			results[i], _ = r.List(context.Background())
		}()
	}
	started.Wait()
	require.Eventually(t, func() bool { return d.scans.Load() == 1 }, time.Second, time.Millisecond)
	close(d.release)
	wg.Wait()

	assert.LessOrEqual(t, d.scans.Load(), int32(callers))
	for _, got := range results {
		assert.Equal(t, []Device{{Name: "a", UDID: "1"}}, got)
	}

	// Callers get their own copy.
	results[0][0].Name = "changed"
	assert.Equal(t, "a", results[1][0].Name)
}

func TestListEmptyIsNotNil(t *testing.T) {
	got, err := NewRegistry(&fakeDiscovery{}).List(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}
