// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

// Command qcoresrv exercises the QUIC transport core against itself:
// a client and a server session wired back to back over a simulated
// lossy link, with Prometheus metrics for both sides served over
// HTTP. It exists to smoke-test the core end to end and to give
// operators a live /metrics surface to point dashboards at.
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ayastrebov/quictransport/internal/quic"
)

var (
	metricsAddr = flag.String("metrics-addr", ":9990", "address to serve /metrics on")
	numStreams  = flag.Int("streams", 8, "number of client streams to open")
	payloadSize = flag.Int("payload-bytes", 256<<10, "bytes written per stream")
	lossRate    = flag.Float64("loss-rate", 0.02, "fraction of datagrams dropped on the simulated link")
	duration    = flag.Duration("duration", 10*time.Second, "how long to run before printing the summary")
	seed        = flag.Int64("seed", 1, "PRNG seed for the simulated link")
)

func main() {
	flag.Parse()
	logger := log.New(os.Stderr, "qcoresrv ", log.LstdFlags)

	reg := prometheus.NewRegistry()
	clientMetrics := quic.NewMetrics(reg, "qcore_client")
	serverMetrics := quic.NewMetrics(reg, "qcore_server")

	clientCfg := quic.DefaultConfig(quic.ClientSide)
	clientCfg.Logger = logger
	serverCfg := quic.DefaultConfig(quic.ServerSide)
	serverCfg.Logger = logger

	client := quic.NewSession(clientCfg, quic.NewRenoSender(), quic.NewPacer(1<<22, 1<<16), clientMetrics)
	server := quic.NewSession(serverCfg, quic.NewRenoSender(), nil, serverMetrics)
	client.SetHandshakeDone()
	server.SetHandshakeDone()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
			logger.Printf("metrics server: %v", err)
		}
	}()
	logger.Printf("serving metrics on %s", *metricsAddr)

	payload := make([]byte, *payloadSize)
	var streamIDs []quic.StreamID
	for i := 0; i < *numStreams; i++ {
		s, err := client.OpenStream(quic.BidiStream, i%quic.NumPriorityLevels)
		if err != nil {
			logger.Fatalf("OpenStream: %v", err)
		}
		s.WriteOrBufferData(payload, true)
		streamIDs = append(streamIDs, s.ID())
	}

	rng := rand.New(rand.NewSource(*seed))
	readBuf := make([]byte, 64<<10)
	var totalRead uint64
	deadline := time.Now().Add(*duration)
	for time.Now().Before(deadline) {
		now := time.Now()
		var delivered []quic.PacketNumber
		client.OnCanWrite(now, func(pn quic.PacketNumber, frames quic.RetransmittableFrames, bytes quic.ByteCount) bool {
			if rng.Float64() < *lossRate {
				return true // eaten by the link; loss recovery will find it
			}
			for _, sf := range frames.Streams {
				frame := quic.StreamFrame{ID: sf.StreamID, Offset: sf.Offset, Data: payloadSlice(payload, sf), Fin: sf.Fin}
				if err := server.HandleStreamFrame(now, frame); err != nil {
					logger.Fatalf("server rejected frame: %v", err)
				}
			}
			delivered = append(delivered, pn)
			return true
		})

		for _, id := range streamIDs {
			if s := server.GetStream(id); s != nil {
				for {
					n, _ := s.Read(readBuf)
					if n == 0 {
						break
					}
					totalRead += uint64(n)
				}
			}
		}
		// Stand in for the server's MAX_DATA advertisements (its
		// control frames aren't routed over this toy link).
		client.HandleMaxDataFrame(now, quic.MaxDataFrame{MaximumData: totalRead + clientCfg.InitialMaxData})

		if len(delivered) > 0 {
			ackTime := time.Now()
			m := client.PacketManager()
			ap := m.OnAckFrameStart(quic.AppDataSpace, delivered[len(delivered)-1], 0, ackTime)
			for i := len(delivered) - 1; i >= 0; i-- {
				m.OnAckRange(ap, delivered[i], delivered[i]+1)
			}
			m.OnAckFrameEnd(ap)
		} else {
			// Nothing flowed this turn: let the retransmission timer
			// state machine make progress instead of spinning.
			if err := client.PacketManager().OnRetransmissionTimeout(now); err != nil {
				logger.Fatalf("retransmission: %v", err)
			}
			time.Sleep(10 * time.Millisecond)
		}

		if r := client.SendMessage([]byte("tick")); r.Status != quic.MessageSent {
			logger.Printf("SendMessage: status %v", r.Status)
		}
	}

	m := client.PacketManager()
	fmt.Printf("sent=%d acked=%d lost=%d spurious=%d bytes_in_flight=%d\n",
		m.PacketsSent, m.PacketsAcked, m.PacketsLost, m.SpuriousRetransmits, m.BytesInFlight())
}

// payloadSlice reconstructs the bytes a StreamFrameRef covered. All
// client streams write the same payload, so the frame's offset maps
// straight into it.
func payloadSlice(payload []byte, sf quic.StreamFrameRef) []byte {
	if sf.Offset >= uint64(len(payload)) {
		return nil
	}
	end := sf.Offset + sf.Length
	if end > uint64(len(payload)) {
		end = uint64(len(payload))
	}
	return payload[sf.Offset:end]
}
