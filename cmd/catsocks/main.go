package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"catsocks/internal/application"
	"catsocks/internal/domain"
	"catsocks/internal/infrastructure/modem"
	"catsocks/internal/infrastructure/resolver"
	"catsocks/internal/infrastructure/serial"
	"catsocks/pkg/logger"
)

func main() {
	listen := flag.String("listen", ":1080", "Address to listen on for SOCKS5 clients")
	device := flag.String("serial", "/dev/ttyUSB0", "Serial device of the cellular module")
	baud := flag.Int("baud", 115200, "Serial baud rate")
	chunk := flag.Int("chunk", 1024, "Max payload bytes per send chunk")
	sockets := flag.Int("sockets", 12, "Max concurrent modem sockets")
	cid := flag.Int("cid", 1, "PDP context id")
	promptTimeout := flag.Duration("prompt-timeout", 5*time.Second, "Wait for the send prompt")
	ackTimeout := flag.Duration("ack-timeout", 5*time.Second, "Wait for the send ack")
	openTimeout := flag.Duration("open-timeout", 10*time.Second, "Wait for a socket open result")
	readyTimeout := flag.Duration("ready-timeout", 60*time.Second, "Wait for the modem RDY line")
	dnsServer := flag.String("dns", "", "Resolve domains locally against this DNS server (default: the modem resolves)")
	noRdy := flag.Bool("no-rdy", false, "Skip waiting for the modem RDY line")
	verbose := flag.Bool("v", false, "Verbose logging")
	flag.Parse()

	log := logger.Setup(*verbose)
	log.Info("Initializing CatSocks proxy...", "serial", *device, "baud", *baud)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	port, err := serial.Open(*device, *baud)
	if err != nil {
		log.Error("Failed to open serial device", "error", err)
		os.Exit(1)
	}

	ch := serial.NewChannel(port)
	arb := modem.NewArbiter()
	drv := modem.NewDriver(ch, arb, log)
	mgr := modem.NewManager(drv, log, modem.Config{
		ContextID:     *cid,
		PoolSize:      *sockets,
		ChunkSize:     *chunk,
		OpenTimeout:   *openTimeout,
		PromptTimeout: *promptTimeout,
		AckTimeout:    *ackTimeout,
	})
	demux := modem.NewDemux(ch, arb, mgr, log)
	drv.BindURC(demux)

	// Bring the modem up before the demux loop starts so the boot
	// banner is consumed by init, not classified as stray traffic.
	if err := mgr.Init(ctx, !*noRdy, *readyTimeout); err != nil {
		log.Error("Modem init failed", "error", err)
		os.Exit(1)
	}

	go func() {
		if err := demux.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("Notification loop stopped", "error", err)
			stop()
		}
	}()

	var res domain.Resolver
	if *dnsServer != "" {
		res = resolver.New(*dnsServer, 5*time.Second)
	}

	relay := application.NewRelayService(log, mgr, res, *listen)
	if err := relay.ListenAndServe(ctx); err != nil && ctx.Err() == nil {
		log.Error("Proxy stopped unexpectedly", "error", err)
		os.Exit(1)
	}
	ch.Close()
}
