// Copyright 2024 The corehost Authors
// This file is part of the corehost library.
//
// The corehost library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The corehost library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the corehost library. If not, see <http://www.gnu.org/licenses/>.

// Command corehostd runs the multi-protocol acceptor as a standalone
// daemon: TCP listener, optional TLS, ssh/websocket/http detectors,
// and a read-only diagnostics API.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"golang.org/x/crypto/ssh"
	cli "gopkg.in/urfave/cli.v1"

	"github.com/vdsm-project/corehost/admin"
	"github.com/vdsm-project/corehost/common"
	"github.com/vdsm-project/corehost/internal/acceptor"
	"github.com/vdsm-project/corehost/internal/config"
	"github.com/vdsm-project/corehost/internal/diag"
	"github.com/vdsm-project/corehost/internal/portmap"
	"github.com/vdsm-project/corehost/log"
	"github.com/vdsm-project/corehost/protocols/httpdetect"
	"github.com/vdsm-project/corehost/protocols/sshdetect"
	"github.com/vdsm-project/corehost/protocols/wsdetect"
)

var (
	configFileFlag = cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file",
	}
	auditPathFlag = cli.StringFlag{
		Name:  "audit-ring",
		Usage: "path to the unrecognized-prefix audit ring file",
		Value: "corehostd-audit.ring",
	}

	dumpConfigCommand = cli.Command{
		Name:   "dumpconfig",
		Usage:  "Show configuration values",
		Flags:  []cli.Flag{configFileFlag},
		Action: dumpConfig,
	}
)

func main() {
	app := cli.NewApp()
	app.Name = "corehostd"
	app.Usage = "single-port multi-protocol acceptor daemon"
	app.Flags = []cli.Flag{configFileFlag, auditPathFlag}
	app.Commands = []cli.Command{dumpConfigCommand}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		log.Crit("fatal", "err", err)
		os.Exit(1)
	}
}

func loadConfig(ctx *cli.Context) (config.Config, error) {
	cfg := config.Default()
	if file := ctx.GlobalString(configFileFlag.Name); file != "" {
		if err := config.Load(file, &cfg); err != nil {
			return cfg, fmt.Errorf("load config: %w", err)
		}
	}
	return cfg, nil
}

func dumpConfig(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	out, err := config.Dump(&cfg)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(out)
	return err
}

func run(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	var auditSink acceptor.AuditRecorder
	if path := ctx.GlobalString(auditPathFlag.Name); path != "" {
		ring, err := diag.OpenAuditRing(path, 256)
		if err != nil {
			log.Warn("audit ring unavailable, continuing without it", "err", err)
		} else {
			defer ring.Close()
			auditSink = ring
		}
	}

	acceptorCfg := acceptor.Config{
		Host:             cfg.Acceptor.Host,
		Port:             cfg.Acceptor.Port,
		HandshakeTimeout: cfg.Acceptor.HandshakeTimeoutDuration(),
		MaxInflight:      cfg.Acceptor.MaxInflight,
		AcceptRatePerSec: cfg.Acceptor.AcceptRatePerSec,
		AcceptBurst:      cfg.Acceptor.AcceptBurst,
		AuditSink:        auditSink,
	}
	if cfg.Acceptor.TLSCertFile != "" && cfg.Acceptor.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.Acceptor.TLSCertFile, cfg.Acceptor.TLSKeyFile)
		if err != nil {
			return fmt.Errorf("load TLS certificate: %w", err)
		}
		acceptorCfg.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	a, err := acceptor.New(acceptorCfg)
	if err != nil {
		return fmt.Errorf("new acceptor: %w", err)
	}

	a.AddDetector(sshdetect.New(&ssh.ServerConfig{NoClientAuth: true}))
	a.AddDetector(wsdetect.New(func(conn *websocket.Conn, peer net.Addr) {
		log.Info("websocket handler invoked", "peer", peer)
		conn.Close()
	}))
	router := httprouter.New()
	router.GET("/", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Write([]byte("corehostd\n"))
	})
	a.AddDetector(httpdetect.New(router))

	rootCtx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info("shutting down")
		a.Stop()
		cancel()
	}()

	if cfg.Admin.Listen != "" {
		adminSrv := admin.New(ringAsSource(auditSink))
		go func() {
			if err := http.ListenAndServe(cfg.Admin.Listen, adminSrv.Handler()); err != nil {
				log.Warn("admin server exited", "err", err)
			}
		}()
		log.Info("admin API listening", "addr", cfg.Admin.Listen)
	}

	if cfg.Acceptor.NATPMPEnable {
		if mapper := setupPortMapping(cfg.Acceptor.NATGatewayIP, a.Addr()); mapper != nil {
			defer mapper.Close(context.Background())
		}
	}

	if file := ctx.GlobalString(configFileFlag.Name); file != "" {
		stopWatch, err := config.Watch(file, func(reloaded config.Config) {
			a.UpdateLimits(reloaded.Acceptor.AcceptRatePerSec, reloaded.Acceptor.AcceptBurst, reloaded.Acceptor.HandshakeTimeoutDuration())
		})
		if err != nil {
			log.Warn("config file watch unavailable, continuing without hot reload", "path", file, "err", err)
		} else {
			defer stopWatch()
		}
	}

	err = a.ServeForever(rootCtx)
	if errors.Is(err, common.ErrReactorStopped) {
		return nil
	}
	return err
}

// setupPortMapping punches the acceptor's bound port through gatewayIP
// via NAT-PMP. Failure is logged and treated as non-fatal: many
// deployments run behind a gateway that speaks neither NAT-PMP nor
// UPnP, or need no port mapping at all (spec.md §4/§5 NAT section).
func setupPortMapping(gatewayIP string, addr net.Addr) *portmap.Mapper {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		log.Warn("port mapping skipped: acceptor address is not TCP", "addr", addr)
		return nil
	}
	gw := net.ParseIP(gatewayIP)
	if gw == nil {
		log.Warn("port mapping skipped: invalid NAT gateway IP", "gateway", gatewayIP)
		return nil
	}

	mapper, err := portmap.DiscoverNATPMP(gw)
	if err != nil {
		log.Warn("NAT-PMP discovery failed, falling back to UPnP IGD discovery", "err", err)
		devs, uerr := portmap.DiscoverUPnPGateways(3 * time.Second)
		if uerr != nil || len(devs) == 0 {
			log.Warn("UPnP discovery found no gateway either, port mapping disabled", "err", uerr)
			return nil
		}
		log.Info("UPnP gateway discovered but not mapped: no generic IGD SOAP client wired in, mapping requires a vendor-specific internetgateway1/2 client", "candidates", len(devs))
		return nil
	}
	if err := mapper.Map(tcpAddr.Port); err != nil {
		log.Warn("NAT-PMP port mapping failed", "err", err)
		return nil
	}
	return mapper
}

func ringAsSource(a acceptor.AuditRecorder) admin.AuditSource {
	if r, ok := a.(admin.AuditSource); ok {
		return r
	}
	return nil
}
