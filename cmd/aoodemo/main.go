// Command aoodemo opens a real input and output audio stream with
// PortAudio and streams the captured signal to itself over a real UDP
// socket, using one aoo.Source and one aoo.Sink. It stands in for the
// PD/Max host bindings the core itself has no opinion about: a minimal,
// runnable caller that exercises Setup/Process/Send/HandleMessage the
// way a real host would, on its own network thread and audio thread.
package main

import (
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/aoo-audio/aoo-go"
	"github.com/aoo-audio/aoo-go/internal/alog"
)

const (
	sampleRate = 48000
	channels   = 1
	blockSize  = 256 // 5.3ms @ 48kHz

	sourceID = int32(1)
	sinkID   = int32(2)
)

func main() {
	codecName := flag.String("codec", "opus", "codec to stream with (pcm or opus)")
	inputDevice := flag.Int("input-device", -1, "input device index, -1 for default")
	outputDevice := flag.Int("output-device", -1, "output device index, -1 for default")
	flag.Parse()

	if err := aoo.Initialize(aoo.Settings{
		LogCallback: func(level alog.Level, msg string) {
			log.Printf("[aoo %s] %s", level, msg)
		},
	}); err != nil {
		log.Fatalf("initialize: %v", err)
	}
	defer aoo.Terminate()

	if err := portaudio.Initialize(); err != nil {
		log.Fatalf("portaudio initialize: %v", err)
	}
	defer portaudio.Terminate()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		log.Fatalf("listen udp: %v", err)
	}
	defer conn.Close()
	selfAddr := aoo.Address(conn.LocalAddr().String())
	log.Printf("[demo] loopback socket bound to %s", conn.LocalAddr())

	src := aoo.New(sourceID)
	sink := aoo.NewSink(sinkID)

	if err := src.Setup(sampleRate, blockSize, channels); err != nil {
		log.Fatalf("source setup: %v", err)
	}
	if err := sink.Setup(sampleRate, blockSize, channels); err != nil {
		log.Fatalf("sink setup: %v", err)
	}
	if err := src.SetFormat(aoo.Format{
		Codec: *codecName, Channels: channels, SampleRate: sampleRate, BlockSize: blockSize,
	}); err != nil {
		log.Fatalf("set format %q: %v", *codecName, err)
	}
	if err := src.AddSink(aoo.Endpoint{Addr: selfAddr, ID: sinkID}, 0); err != nil {
		log.Fatalf("add sink: %v", err)
	}
	if err := src.StartStream(nil); err != nil {
		log.Fatalf("start stream: %v", err)
	}

	devices, err := portaudio.Devices()
	if err != nil {
		log.Fatalf("list devices: %v", err)
	}
	inDev, err := resolveDevice(devices, *inputDevice, portaudio.DefaultInputDevice)
	if err != nil {
		log.Fatalf("resolve input device: %v", err)
	}
	outDev, err := resolveDevice(devices, *outputDevice, portaudio.DefaultOutputDevice)
	if err != nil {
		log.Fatalf("resolve output device: %v", err)
	}

	captureBuf := make([]float32, blockSize)
	captureParams := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   inDev,
			Channels: channels,
			Latency:  inDev.DefaultLowInputLatency,
		},
		SampleRate:      sampleRate,
		FramesPerBuffer: blockSize,
	}
	captureStream, err := portaudio.OpenStream(captureParams, captureBuf)
	if err != nil {
		log.Fatalf("open capture stream: %v", err)
	}
	defer captureStream.Close()

	playbackBuf := make([]float32, blockSize)
	playbackParams := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   outDev,
			Channels: channels,
			Latency:  outDev.DefaultLowOutputLatency,
		},
		SampleRate:      sampleRate,
		FramesPerBuffer: blockSize,
	}
	playbackStream, err := portaudio.OpenStream(playbackParams, playbackBuf)
	if err != nil {
		log.Fatalf("open playback stream: %v", err)
	}
	defer playbackStream.Close()

	if err := captureStream.Start(); err != nil {
		log.Fatalf("start capture: %v", err)
	}
	defer captureStream.Stop()
	if err := playbackStream.Start(); err != nil {
		log.Fatalf("start playback: %v", err)
	}
	defer playbackStream.Stop()

	log.Printf("[demo] streaming %s capture=%s playback=%s", *codecName, inDev.Name, outDev.Name)

	stop := make(chan struct{})
	var wg sync.WaitGroup

	send := func(user any, data []byte, addr aoo.Address) error {
		uc := user.(*net.UDPConn)
		raddr, err := net.ResolveUDPAddr("udp", addr.String())
		if err != nil {
			return err
		}
		_, err = uc.WriteToUDP(data, raddr)
		return err
	}

	// Network receive loop: demultiplex inbound datagrams to the source
	// (format/data requests, pings, invites) or the sink (format
	// announcements, data frames, ping replies) by trying both — a real
	// host would route by local port/socket instead.
	wg.Add(1)
	go func() {
		defer wg.Done()
		buf := make([]byte, aoo.MaxPacketSize)
		for {
			conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
			n, raddr, err := conn.ReadFromUDP(buf)
			select {
			case <-stop:
				return
			default:
			}
			if err != nil {
				continue
			}
			remote := aoo.Address(raddr.String())
			msg := append([]byte(nil), buf[:n]...)
			if err := src.HandleMessage(msg, remote); err != nil {
				log.Printf("[demo] source handle message: %v", err)
			}
			if err := sink.HandleMessage(msg, remote); err != nil {
				log.Printf("[demo] sink handle message: %v", err)
			}
		}
	}()

	// Audio thread: capture one block, push it through the source, pull
	// one block of sink output, play it back. A real host runs capture
	// and playback on separate callback threads; this demo drives both
	// from one loop for simplicity.
	wg.Add(1)
	go func() {
		defer wg.Done()
		in := [][]float32{captureBuf}
		out := [][]float32{playbackBuf}
		for {
			select {
			case <-stop:
				return
			default:
			}
			if err := captureStream.Read(); err != nil {
				log.Printf("[demo] capture read: %v", err)
				return
			}
			now := aoo.Now()
			if err := src.Process(in, blockSize, now); err != nil {
				log.Printf("[demo] source process: %v", err)
			}
			if err := src.Send(send, conn); err != nil {
				log.Printf("[demo] source send: %v", err)
			}
			for _, ev := range src.PollEvents() {
				log.Printf("[demo] source event: %s", ev.Kind)
			}

			if err := sink.Process(out, blockSize, now); err != nil {
				log.Printf("[demo] sink process: %v", err)
			}
			if err := sink.Send(send, conn); err != nil {
				log.Printf("[demo] sink send: %v", err)
			}
			for _, ev := range sink.PollEvents() {
				log.Printf("[demo] sink event: %s", ev.Kind)
			}

			if err := playbackStream.Write(); err != nil {
				log.Printf("[demo] playback write: %v", err)
				return
			}
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Println("[demo] shutting down")
	close(stop)
	wg.Wait()
}

func resolveDevice(devices []*portaudio.DeviceInfo, idx int, fallback func() (*portaudio.DeviceInfo, error)) (*portaudio.DeviceInfo, error) {
	if idx >= 0 && idx < len(devices) {
		return devices[idx], nil
	}
	return fallback()
}
