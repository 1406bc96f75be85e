package triggerdaq

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBuilder(t *testing.T, pretrigger, skip int) *EventBuilder {
	t.Helper()
	b, err := NewEventBuilder("eb", EventBuilderConfig{Length: 100, Pretrigger: pretrigger, SkipTolerance: skip})
	require.NoError(t, err)
	return b
}

// window feeds the flags with ids 0..n-1 and returns the windowed flags,
// flush included.
func window(b *EventBuilder, flags []bool) []TriggerFlag {
	var out []TriggerFlag
	for i, f := range flags {
		out = append(out, b.process(TriggerFlag{ID: uint64(i), Flag: f})...)
	}
	return append(out, b.flush()...)
}

func parseFlags(s string) []bool {
	flags := make([]bool, len(s))
	for i, c := range s {
		flags[i] = c == 'T'
	}
	return flags
}

func windowString(out []TriggerFlag) string {
	s := make([]byte, len(out))
	for i, f := range out {
		s[i] = 'F'
		if f.Flag {
			s[i] = 'T'
		}
	}
	return string(s)
}

func TestEventBuilderWindows(t *testing.T) {
	cases := []struct {
		name       string
		pretrigger int
		skip       int
		in         string
		want       string
	}{
		{"passthrough", 0, 0, "FTFTTF", "FTFTTF"},
		{"pretrigger", 2, 0, "FFFTFF", "FTTTFF"},
		{"pretrigger at start of run", 3, 0, "FTFF", "TTFF"},
		{"skip absorbs gap", 0, 2, "TFFTFFF", "TTTTFFF"},
		{"skip expires", 0, 1, "TFFT", "TFFT"},
		{"skip and pretrigger", 1, 1, "FTFFFTFT", "TTFFTTTT"},
		{"trigger to untriggered without skip", 1, 0, "TFFFT", "TFFTT"},
		{"no trigger", 2, 2, "FFFFF", "FFFFF"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := newTestBuilder(t, tc.pretrigger, tc.skip)
			out := window(b, parseFlags(tc.in))
			assert.Equal(t, tc.want, windowString(out))
			for i, f := range out {
				assert.Equal(t, uint64(i), f.ID)
			}
		})
	}
}

func TestEventBuilderConservesIDs(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for iter := 0; iter < 500; iter++ {
		p, s := rng.Intn(5), rng.Intn(5)
		n := rng.Intn(60)
		flags := make([]bool, n)
		for i := range flags {
			flags[i] = rng.Float64() < 0.3
		}

		b := newTestBuilder(t, p, s)
		var out []TriggerFlag
		for i, f := range flags {
			out = append(out, b.process(TriggerFlag{ID: uint64(i), Flag: f})...)
			lag := i + 1 - len(out)
			require.LessOrEqual(t, lag, max(p, s), "P=%d S=%d flags=%v", p, s, flags)
		}
		out = append(out, b.flush()...)

		require.Len(t, out, n, "P=%d S=%d flags=%v", p, s, flags)
		for i, f := range out {
			require.Equal(t, uint64(i), f.ID, "P=%d S=%d flags=%v", p, s, flags)
		}

		// every triggered packet and its pretrigger are kept
		for i, f := range flags {
			if !f {
				continue
			}
			for j := max(0, i-p); j <= i; j++ {
				require.True(t, out[j].Flag, "P=%d S=%d flags=%v id=%d", p, s, flags, j)
			}
		}

		// gaps of at most S between triggers are filled
		last := -1
		for i, f := range flags {
			if !f {
				continue
			}
			if last >= 0 && i-last-1 <= s {
				for j := last; j <= i; j++ {
					require.True(t, out[j].Flag, "P=%d S=%d flags=%v id=%d", p, s, flags, j)
				}
			}
			last = i
		}
	}
}

func TestEventBuilderDuplicatedIDs(t *testing.T) {
	// ids are not unique across runs; entries are told apart by arrival
	b := newTestBuilder(t, 0, 3)
	var out []TriggerFlag
	for _, f := range []TriggerFlag{{ID: 5, Flag: true}, {ID: 5}, {ID: 5}, {ID: 5}, {ID: 5}} {
		out = append(out, b.process(f)...)
	}
	out = append(out, b.flush()...)
	assert.Len(t, out, 5)
}

func TestEventBuilderNegativeConfig(t *testing.T) {
	_, err := NewEventBuilder("eb", EventBuilderConfig{Pretrigger: -1})
	var cfgErr *ErrConfig
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "pretrigger", cfgErr.Key)

	_, err = NewEventBuilder("eb", EventBuilderConfig{SkipTolerance: -2})
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "skip-tolerance", cfgErr.Key)
}

func TestEventBuilderFlushesOnStop(t *testing.T) {
	b := newTestBuilder(t, 2, 2)
	in := NewStream[TriggerFlag]("in", 20)
	require.NoError(t, b.SetInput(0, in))
	require.NoError(t, b.Initialize())

	fillStream(t, in,
		flagSlot(CmdStart, 0, false),
		flagSlot(CmdRun, 0, false),
		flagSlot(CmdRun, 1, true),
		flagSlot(CmdRun, 2, false),
		flagSlot(CmdStop, 0, false),
		flagSlot(CmdExit, 0, false),
	)

	done := make(chan error, 1)
	go func() { done <- b.Execute(context.Background()) }()

	out, err := b.Output(0)
	require.NoError(t, err)
	slots := drain(t, out.(*Stream[TriggerFlag]), CmdExit)
	require.NoError(t, <-done)

	var cmds []Command
	var flags []TriggerFlag
	for _, sl := range slots {
		cmds = append(cmds, sl.cmd)
		if sl.cmd == CmdRun {
			flags = append(flags, sl.data)
		}
	}
	assert.Equal(t, []Command{CmdStart, CmdRun, CmdRun, CmdRun, CmdStop, CmdExit}, cmds)
	assert.Equal(t, []TriggerFlag{{0, true}, {1, true}, {2, false}}, flags)
	assert.Equal(t, StateUntriggered, b.State())
}

func TestEventBuilderClosedStreams(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	newBuilder := func() (*EventBuilder, *Stream[TriggerFlag], *Stream[TriggerFlag]) {
		b := newTestBuilder(t, 1, 1)
		in := NewStream[TriggerFlag]("in", 8)
		require.NoError(t, b.SetInput(0, in))
		require.NoError(t, b.Initialize())
		out, err := b.Output(0)
		require.NoError(t, err)
		return b, in, out.(*Stream[TriggerFlag])
	}

	b, in, _ := newBuilder()
	fillStream(t, in, flagSlot(CmdStart, 0, false), flagSlot(CmdRun, 0, false))
	in.Close()
	require.NoError(t, b.Execute(ctx))
	require.NoError(t, ctx.Err(), "builder did not return once its input was drained")

	b, in, out := newBuilder()
	fillStream(t, in, flagSlot(CmdError, 0, false))
	require.NoError(t, b.Execute(ctx))
	cmd, _ := out.TryGet(ctx, time.Second)
	assert.Equal(t, CmdError, cmd)

	b, in, out = newBuilder()
	out.Close()
	fillStream(t, in, flagSlot(CmdError, 0, false))
	assert.NoError(t, b.Execute(ctx))
}
