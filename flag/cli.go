package flag

import (
	"time"

	"github.com/alecthomas/kong"
	"github.com/bobuhiro11/dwcotg/logging"
)

type CLI struct {
	Config kong.ConfigFlag `help:"TOML file supplying flag values."`

	LogLevel   string `name:"log-level" default:"info" enum:"trace,debug,info,warn,error" help:"Log level."`
	LogFormat  string `name:"log-format" default:"text" enum:"text,json" help:"Log format."`
	LogFile    string `name:"log-file" help:"Write logs to a rotating file instead of stderr."`
	LogMaxSize int    `name:"log-max-size" default:"100" help:"Rotate the log file after this many megabytes."`

	Run  RunCMD  `cmd:"" help:"Emulate the controller and drive it through the tunnel."`
	Peer PeerCMD `cmd:"" help:"Serve the remote end of the tunnel."`
}

type RunCMD struct {
	Host        string        `short:"H" default:"127.0.0.1" help:"Tunnel peer host."`
	Port        int           `short:"P" default:"7642" help:"Tunnel peer port."`
	DialTimeout time.Duration `name:"dial-timeout" default:"10s" help:"Tunnel connect timeout."`

	MemSize string `short:"m" name:"mem" default:"1M" help:"Guest memory size: as number[gGmMkK], defaults to M."`
	Base    string `default:"0x38400000" help:"Guest physical address of the register window."`
	IRQ     uint32 `default:"13" help:"Interrupt line number."`

	RxFIFO      string `name:"rx-fifo" default:"0x1c0" help:"Power-on receive FIFO size."`
	TxFIFOStart string `name:"tx-fifo-start" default:"0x200" help:"Power-on non-periodic transmit FIFO start."`
	TxFIFODepth string `name:"tx-fifo-depth" default:"0x1c0" help:"Power-on non-periodic transmit FIFO depth."`

	InEP     int    `name:"in-ep" default:"1" help:"IN endpoint used to transmit the input file."`
	OutEP    int    `name:"out-ep" default:"2" help:"OUT endpoint used to receive the output file."`
	Input    string `short:"i" type:"existingfile" help:"File to transmit to the peer."`
	Output   string `short:"o" help:"File to store data received from the peer."`
	RecvSize string `name:"recv-size" default:"64K" help:"Bytes to receive into the output file."`

	State   string `name:"state" help:"Controller state file, restored on start and saved after the transfers."`
	Monitor string `help:"Serve the HTTP monitor on this address and keep running."`
	Profile string `default:"none" enum:"none,cpu,mem,block,mutex,trace,goroutine" help:"Write a profile of this kind."`
}

type PeerCMD struct {
	Listen string `short:"l" default:":7642" help:"Address to listen on."`
	Sink   string `default:"-" help:"File receiving data sent on IN endpoints, - for stdout."`
	Source string `help:"File supplying data for OUT endpoints."`
}

func (c *CLI) logConfig() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = c.LogLevel
	cfg.Format = c.LogFormat
	cfg.File = c.LogFile
	cfg.MaxSizeMB = c.LogMaxSize

	return cfg
}
