// Package pprofutil starts the daemon's optional, loopback-only pprof
// endpoint. It is an ambient ops concern rather than a spec component
// (§1 scope), so it's gated by environment variables the way the rest
// of cmd/aetherlinkd's flag/env surface is, but it logs through the
// same structured *logrus.Entry every other component in this tree
// takes as a constructor argument (engine, dial.Coordinator, api.Server)
// instead of the teacher's raw io.Writer + fmt.Fprintf.
package pprofutil

import (
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const defaultAddr = "127.0.0.1:6060"

var (
	startOnce sync.Once
	startErr  error
)

// StartFromEnv starts an optional pprof HTTP server when AETHERLINK_PPROF=1.
// log may be nil, in which case the standard logger is used.
func StartFromEnv(log *logrus.Entry) error {
	if strings.TrimSpace(os.Getenv("AETHERLINK_PPROF")) != "1" {
		return nil
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	startOnce.Do(func() {
		addr := strings.TrimSpace(os.Getenv("AETHERLINK_PPROF_ADDR"))
		if addr == "" {
			addr = defaultAddr
		}
		allowPublic := strings.TrimSpace(os.Getenv("AETHERLINK_PPROF_ALLOW_PUBLIC")) == "1"
		if !allowPublic && !isLoopbackBind(addr) {
			startErr = fmt.Errorf("AETHERLINK_PPROF_ADDR must be loopback unless AETHERLINK_PPROF_ALLOW_PUBLIC=1: %s", addr)
			return
		}
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			startErr = fmt.Errorf("pprof listen failed: %w", err)
			return
		}
		actual := ln.Addr().String()
		log.WithField("addr", actual).Info("pprof enabled")
		srv := &http.Server{
			Addr:              actual,
			Handler:           http.DefaultServeMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Warn("pprof server stopped")
			}
		}()
	})
	return startErr
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
