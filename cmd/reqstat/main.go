/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Command reqstat is a tiny smoke-test client: it issues one GET through
// the engine and prints the status line, timing, and header count. It
// exists to give the engine's domain dependencies somewhere executable
// to run, not as a general-purpose HTTP client.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/badu/reqengine"
	"github.com/badu/reqengine/addr"
	"github.com/badu/reqengine/hurl"
	"github.com/badu/reqengine/internal/rlog"
)

func main() {
	var (
		method  = flag.String("method", "GET", "request method")
		timeout = flag.Duration("timeout", 10*time.Second, "overall call timeout")
		verbose = flag.Bool("v", false, "log at debug level")
	)
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: reqstat [flags] <url>")
		os.Exit(2)
	}

	u, err := hurl.Parse(flag.Arg(0))
	if err != nil {
		log.Fatalf("reqstat: parsing url: %v", err)
	}

	zapCfg := zap.NewProductionConfig()
	if *verbose {
		zapCfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	zl, err := zapCfg.Build()
	if err != nil {
		log.Fatalf("reqstat: building logger: %v", err)
	}
	defer zl.Sync()

	address := &addr.Address{
		Host:   u.Host,
		Port:   u.Port,
		DNS:    addr.SystemDNS{},
		Dialer: addr.SystemDialer{Timeout: 5 * time.Second},
	}
	if u.IsHTTPS() {
		address.TLSConfig = &tls.Config{ServerName: u.Host}
		address.Protocols = []string{"h2", "http/1.1"}
	}

	client, err := reqengine.NewClient(address, reqengine.WithLogger(rlog.Wrap(zl)))
	if err != nil {
		log.Fatalf("reqstat: building client: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	req := &reqengine.Request{Method: *method, URL: u, Ctx: ctx}
	started := time.Now()
	resp, err := client.NewCall(req).Execute()
	elapsed := time.Since(started)
	if err != nil {
		log.Fatalf("reqstat: %v", err)
	}
	defer resp.Close()

	fmt.Printf("%s %d %s\n", resp.Protocol, resp.Code, resp.Message)
	fmt.Printf("headers: %d\n", resp.Headers.Len())
	fmt.Printf("elapsed: %s\n", elapsed)
}
