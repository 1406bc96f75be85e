package triggerdaq

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"time"

	"golang.org/x/time/rate"
)

type SimulatorConfig struct {
	Length           int     `json:"length"`
	RecordSize       int     `json:"record-size"`
	DigitalID        uint32  `json:"digital-id"`
	PacketsPerSecond float64 `json:"packets-per-second"`
	MaxPackets       uint64  `json:"max-packets"`
	NoiseSigma       float64 `json:"noise-sigma"`
	ToneBin          int     `json:"tone-bin"`
	ToneAmplitude    float64 `json:"tone-amplitude"`
	EventEvery       int     `json:"event-every"`
	EventLength      int     `json:"event-length"`
	EventOffset      int     `json:"event-offset"`
	Seed             int64   `json:"seed"`
	AutoStart        bool    `json:"auto-start"`
}

func DefaultSimulatorConfig() SimulatorConfig {
	return SimulatorConfig{
		Length:        100,
		RecordSize:    4096,
		NoiseSigma:    4,
		ToneBin:       100,
		ToneAmplitude: 40,
		EventEvery:    0,
		EventLength:   1,
		Seed:          1,
	}
}

// Simulator stands in for the digitizer front end: it produces matching
// time (out_0) and frequency (out_1) packets of Gaussian noise, with a
// tone injected in the packets that belong to simulated events.
type Simulator struct {
	name    string
	config  SimulatorConfig
	rng     *rand.Rand
	limiter *rate.Limiter

	instructions chan Instruction
	running      bool
	nextID       uint64
	runPackets   uint64

	timeOut *Stream[TimeData]
	freqOut *Stream[FreqData]
	metrics *Metrics
}

func init() {
	RegisterNode("tf-simulator", newSimulatorNode)
}

func newSimulatorNode(name string, params json.RawMessage, env *NodeEnv) (Node, error) {
	config := DefaultSimulatorConfig()
	if err := decodeParams(name, params, &config); err != nil {
		return nil, err
	}
	s, err := NewSimulator(name, config)
	if err != nil {
		return nil, err
	}
	s.metrics = env.Metrics
	return s, nil
}

func NewSimulator(name string, config SimulatorConfig) (*Simulator, error) {
	if !isPowerOfTwo(config.RecordSize) {
		return nil, newConfigError(name, "record-size", "must be a power of two, got %d", config.RecordSize)
	}
	if config.ToneBin < 0 || config.ToneBin >= config.RecordSize {
		return nil, newConfigError(name, "tone-bin", "must be in [0, %d), got %d", config.RecordSize, config.ToneBin)
	}
	if config.PacketsPerSecond < 0 {
		return nil, newConfigError(name, "packets-per-second", "must not be negative")
	}
	limit := rate.Inf
	if config.PacketsPerSecond > 0 {
		limit = rate.Limit(config.PacketsPerSecond)
	}
	return &Simulator{
		name:         name,
		config:       config,
		rng:          rand.New(rand.NewSource(config.Seed)),
		limiter:      rate.NewLimiter(limit, 1),
		instructions: make(chan Instruction, 16),
		timeOut:      NewStream[TimeData](name+".out_0", config.Length),
		freqOut:      NewStream[FreqData](name+".out_1", config.Length),
	}, nil
}

func (s *Simulator) Name() string { return s.name }

func (s *Simulator) Output(index int) (any, error) {
	switch index {
	case 0:
		return s.timeOut, nil
	case 1:
		return s.freqOut, nil
	default:
		return nil, badSlot(s.name, "out", index)
	}
}

func (s *Simulator) Initialize() error {
	if s.config.AutoStart {
		s.Instruct(InstructionResume)
	}
	return nil
}

// Instruct queues an instruction without blocking. Instructions arriving
// while the queue is full are dropped.
func (s *Simulator) Instruct(i Instruction) {
	select {
	case s.instructions <- i:
	default:
		logger.Warn(fmt.Sprintf("Instruction queue full, dropping %v", i), s.name)
	}
}

func (s *Simulator) Execute(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		var instruction Instruction
		pending := false
		if s.running {
			select {
			case instruction = <-s.instructions:
				pending = true
			default:
			}
		} else {
			select {
			case instruction = <-s.instructions:
				pending = true
			case <-ctx.Done():
				return nil
			}
		}
		if pending {
			done, err := s.follow(ctx, instruction)
			if err != nil || done {
				return err
			}
			continue
		}

		if err := s.limiter.Wait(ctx); err != nil {
			return nil
		}
		if err := s.emitPacket(ctx); err != nil {
			return exitOnStreamError(s.name, err)
		}
		if s.config.MaxPackets > 0 && s.runPackets >= s.config.MaxPackets {
			logger.Info(fmt.Sprintf("%d packets produced, stopping run", s.runPackets), s.name)
			if err := s.emitCommand(ctx, CmdStop); err != nil {
				return exitOnStreamError(s.name, err)
			}
			s.running = false
		}
	}
}

func (s *Simulator) Finalize() error {
	s.timeOut.Close()
	s.freqOut.Close()
	return nil
}

func (s *Simulator) follow(ctx context.Context, instruction Instruction) (bool, error) {
	logger.Debug(fmt.Sprintf("Instruction: %v", instruction), s.name)
	switch instruction {
	case InstructionResume:
		if s.running {
			return false, nil
		}
		s.running = true
		s.runPackets = 0
		if err := s.emitCommand(ctx, CmdStart); err != nil {
			return true, exitOnStreamError(s.name, err)
		}
	case InstructionPause:
		if !s.running {
			return false, nil
		}
		s.running = false
		if err := s.emitCommand(ctx, CmdStop); err != nil {
			return true, exitOnStreamError(s.name, err)
		}
	case InstructionExit:
		if s.running {
			s.running = false
			if err := s.emitCommand(ctx, CmdStop); err != nil {
				return true, exitOnStreamError(s.name, err)
			}
		}
		return true, exitOnStreamError(s.name, s.emitCommand(ctx, CmdExit))
	}
	return false, nil
}

// emitCommand sends a data-less command on both outputs. START carries
// the id of the first packet of the run.
func (s *Simulator) emitCommand(ctx context.Context, cmd Command) error {
	now := time.Now().Unix()
	if err := s.timeOut.Set(ctx, cmd, TimeData{PktInSession: s.nextID, DigitalID: s.config.DigitalID, UnixTime: now}); err != nil {
		return err
	}
	return s.freqOut.Set(ctx, cmd, FreqData{PktInSession: s.nextID, DigitalID: s.config.DigitalID, UnixTime: now})
}

func (s *Simulator) emitPacket(ctx context.Context) error {
	id := s.nextID
	samples := s.generate(s.inEvent(s.runPackets))
	payload := make([]byte, 2*len(samples))
	quantized := make([]complex128, len(samples))
	for i, v := range samples {
		re, im := clampInt8(real(v)), clampInt8(imag(v))
		payload[2*i] = byte(re)
		payload[2*i+1] = byte(im)
		quantized[i] = complex(float64(re), float64(im))
	}
	now := time.Now().Unix()

	if err := s.timeOut.Set(ctx, CmdRun, TimeData{PktInSession: id, DigitalID: s.config.DigitalID, UnixTime: now, Payload: payload}); err != nil {
		return err
	}
	if err := s.freqOut.Set(ctx, CmdRun, FreqData{PktInSession: id, DigitalID: s.config.DigitalID, UnixTime: now, Bins: fft(quantized)}); err != nil {
		return err
	}
	s.nextID++
	s.runPackets++
	s.metrics.packetProcessed(s.name)
	return nil
}

func (s *Simulator) inEvent(k uint64) bool {
	c := s.config
	if c.EventEvery <= 0 || k < uint64(c.EventOffset) {
		return false
	}
	return int((k-uint64(c.EventOffset))%uint64(c.EventEvery)) < c.EventLength
}

func (s *Simulator) generate(withTone bool) []complex128 {
	n := s.config.RecordSize
	samples := make([]complex128, n)
	for i := range samples {
		re := s.rng.NormFloat64() * s.config.NoiseSigma
		im := s.rng.NormFloat64() * s.config.NoiseSigma
		if withTone {
			phase := 2 * math.Pi * float64(s.config.ToneBin) * float64(i) / float64(n)
			re += s.config.ToneAmplitude * math.Cos(phase)
			im += s.config.ToneAmplitude * math.Sin(phase)
		}
		samples[i] = complex(re, im)
	}
	return samples
}
