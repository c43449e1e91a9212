package flag

import (
	"context"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/bobuhiro11/dwcotg/logging"
	"github.com/bobuhiro11/dwcotg/otg"
	"github.com/bobuhiro11/dwcotg/tunnel"
	"github.com/bobuhiro11/dwcotg/vmm"
	"github.com/pkg/profile"
	log "github.com/sirupsen/logrus"
)

func Parse() error {
	c := CLI{}

	programName := "dwcotg"
	programDesc := "dwcotg emulates a DesignWare USB 2.0 OTG device controller whose transfers travel over a TCP tunnel"

	ctx := kong.Parse(&c,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.Configuration(TOML),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	closer, err := logging.Setup(c.logConfig())
	if err != nil {
		return err
	}
	defer closer.Close()

	return ctx.Run()
}

func (s *RunCMD) config() (vmm.Config, error) {
	memSize, err := ParseSize(s.MemSize, "m")
	if err != nil {
		return vmm.Config{}, err
	}

	base, err := ParseSize(s.Base, "")
	if err != nil {
		return vmm.Config{}, err
	}

	recv, err := ParseSize(s.RecvSize, "")
	if err != nil {
		return vmm.Config{}, err
	}

	ocfg := otg.DefaultConfig()

	for _, f := range []struct {
		in  string
		out *uint32
	}{
		{s.RxFIFO, &ocfg.RxFIFOSize},
		{s.TxFIFOStart, &ocfg.TxFIFOStart},
		{s.TxFIFODepth, &ocfg.TxFIFOSize},
	} {
		v, err := ParseSize(f.in, "")
		if err != nil {
			return vmm.Config{}, err
		}

		*f.out = uint32(v)
	}

	return vmm.Config{
		Host:        s.Host,
		Port:        s.Port,
		DialTimeout: s.DialTimeout,
		MemSize:     memSize,
		Base:        uint64(base),
		IRQ:         s.IRQ,
		InEP:        s.InEP,
		OutEP:       s.OutEP,
		Input:       s.Input,
		Output:      s.Output,
		RecvSize:    recv,
		StateFile:   s.State,
		Monitor:     s.Monitor,
		OTG:         ocfg,
	}, nil
}

func (s *RunCMD) profile() interface{ Stop() } {
	var mode func(*profile.Profile)

	switch s.Profile {
	case "cpu":
		mode = profile.CPUProfile
	case "mem":
		mode = profile.MemProfile
	case "block":
		mode = profile.BlockProfile
	case "mutex":
		mode = profile.MutexProfile
	case "trace":
		mode = profile.TraceProfile
	case "goroutine":
		mode = profile.GoroutineProfile
	default:
		return nopStopper{}
	}

	return profile.Start(mode, profile.ProfilePath("."), profile.NoShutdownHook, profile.Quiet)
}

type nopStopper struct{}

func (nopStopper) Stop() {}

func (s *RunCMD) Run() error {
	c, err := s.config()
	if err != nil {
		return err
	}

	defer s.profile().Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v := vmm.New(c)
	defer v.Close()

	if err := v.Init(ctx); err != nil {
		return err
	}

	if err := v.Run(ctx); err != nil {
		if otg.IsFault(err) {
			log.WithError(err).Error("controller fault")
		}

		return err
	}

	return nil
}

func (p *PeerCMD) Run() error {
	var sink io.Writer = os.Stdout

	if p.Sink != "-" {
		f, err := os.Create(p.Sink)
		if err != nil {
			return err
		}
		defer f.Close()

		sink = f
	}

	var source io.Reader = eof{}

	if p.Source != "" {
		f, err := os.Open(p.Source)
		if err != nil {
			return err
		}
		defer f.Close()

		source = f
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", p.Listen)
	if err != nil {
		return err
	}

	peer := &tunnel.Peer{
		Sink:   &tunnel.WriterSink{W: sink},
		Source: &tunnel.ReaderSource{R: source},
	}

	return peer.Serve(ctx, ln)
}

// eof is a source with no data.
type eof struct{}

func (eof) Read([]byte) (int, error) { return 0, io.EOF }
