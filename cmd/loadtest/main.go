package main

import (
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/aeolun/quectocraft/pkg/client"
	"github.com/aeolun/quectocraft/pkg/protocol"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat."

var loremWords = strings.Fields(loremIpsum)

// Stats tracks load test results
type Stats struct {
	logins           atomic.Int64
	loginFailures    atomic.Int64
	totalLoginTime   atomic.Int64 // in microseconds
	chatsSent        atomic.Int64
	chatsReceived    atomic.Int64
	disconnections   atomic.Int64
	connectionErrors atomic.Int64
	bytesSent        atomic.Uint64
	bytesReceived    atomic.Uint64
}

func (s *Stats) recordLogin(d time.Duration) {
	s.logins.Add(1)
	s.totalLoginTime.Add(d.Microseconds())
}

func (s *Stats) snapshot() (logins, chats, received int64, avgLoginUs float64) {
	logins = s.logins.Load()
	chats = s.chatsSent.Load()
	received = s.chatsReceived.Load()
	if logins > 0 {
		avgLoginUs = float64(s.totalLoginTime.Load()) / float64(logins)
	}
	return
}

// BotClient is one fake player
type BotClient struct {
	id    int
	name  string
	conn  *client.Connection
	stats *Stats
}

func NewBotClient(id int, serverAddr string, stats *Stats) (*BotClient, error) {
	conn, err := client.Dial(serverAddr, 30*time.Second)
	if err != nil {
		return nil, err
	}
	return &BotClient{
		id:    id,
		name:  fmt.Sprintf("bot%d", id),
		conn:  conn,
		stats: stats,
	}, nil
}

// Login joins the server and consumes the bootstrap up to the position sync
func (b *BotClient) Login() error {
	start := time.Now()
	if _, err := b.conn.Login(b.name, nil, nil); err != nil {
		return err
	}
	for {
		p, err := b.conn.ReadPlay()
		if err != nil {
			return err
		}
		if _, ok := p.(*protocol.SyncPlayerPosition); ok {
			break
		}
	}
	b.stats.recordLogin(time.Since(start))
	return nil
}

func randomMessage() string {
	n := 3 + rand.Intn(8)
	words := make([]string, n)
	for i := range words {
		words[i] = loremWords[rand.Intn(len(loremWords))]
	}
	return strings.Join(words, " ")
}

// Run chats at random intervals until the duration is over, answering
// keep-alives from a reader goroutine
func (b *BotClient) Run(duration, minDelay, maxDelay time.Duration, stop <-chan struct{}) {
	defer func() {
		b.conn.Close()
		b.stats.bytesSent.Add(b.conn.BytesSent())
		b.stats.bytesReceived.Add(b.conn.BytesReceived())
	}()

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			p, err := b.conn.ReadPlay()
			if err != nil {
				var dc *client.DisconnectError
				if errors.As(err, &dc) {
					log.Debug().Int("bot", b.id).Str("reason", dc.Reason).Msg("disconnected by server")
				}
				b.stats.disconnections.Add(1)
				return
			}
			if _, ok := p.(*protocol.SystemChatMessage); ok {
				b.stats.chatsReceived.Add(1)
			}
		}
	}()

	deadline := time.After(duration)
	for {
		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(rand.Int63n(int64(maxDelay - minDelay)))
		}
		select {
		case <-deadline:
			return
		case <-stop:
			return
		case <-readerDone:
			return
		case <-time.After(delay):
		}

		if err := b.conn.Chat(randomMessage()); err != nil {
			b.stats.connectionErrors.Add(1)
			return
		}
		b.stats.chatsSent.Add(1)
	}
}

func main() {
	serverAddr := flag.String("server", "localhost:25565", "Server address (host:port)")
	numClients := flag.Int("clients", 10, "Number of concurrent clients")
	duration := flag.Duration("duration", 1*time.Minute, "Test duration")
	minDelay := flag.Duration("min-delay", 500*time.Millisecond, "Minimum delay between chat messages")
	maxDelay := flag.Duration("max-delay", 2*time.Second, "Maximum delay between chat messages")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *numClients < 1 {
		fmt.Fprintln(os.Stderr, "clients must be at least 1")
		os.Exit(1)
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}).With().Timestamp().Logger()

	// Ramp up over 25% of the test duration
	rampUpDuration := *duration / 4
	staggerDelay := rampUpDuration / time.Duration(*numClients)
	if staggerDelay < time.Millisecond {
		staggerDelay = time.Millisecond
	}

	log.Info().
		Str("server", *serverAddr).
		Int("clients", *numClients).
		Dur("duration", *duration).
		Dur("ramp_up", rampUpDuration).
		Msg("starting load test")

	stats := &Stats{}
	stop := make(chan struct{})
	var stopOnce sync.Once
	stopAll := func() { stopOnce.Do(func() { close(stop) }) }

	// Stats reporter
	reporterDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		startTime := time.Now()
		for {
			select {
			case <-ticker.C:
				logins, chats, received, avgUs := stats.snapshot()
				elapsed := time.Since(startTime).Seconds()
				log.Info().
					Int64("logins", logins).
					Int64("login_failures", stats.loginFailures.Load()).
					Float64("avg_login_ms", avgUs/1000).
					Int64("chats", chats).
					Float64("chat_rate", float64(chats)/elapsed).
					Int64("received", received).
					Int("goroutines", runtime.NumGoroutine()).
					Msg("stats")
			case <-reporterDone:
				return
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info().Msg("shutdown signal received, stopping test")
		stopAll()
	}()

	var wg sync.WaitGroup
spawn:
	for i := 0; i < *numClients; i++ {
		select {
		case <-stop:
			break spawn
		default:
		}

		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			bot, err := NewBotClient(id, *serverAddr, stats)
			if err != nil {
				stats.connectionErrors.Add(1)
				log.Debug().Err(err).Int("bot", id).Msg("dial failed")
				return
			}
			if err := bot.Login(); err != nil {
				stats.loginFailures.Add(1)
				log.Debug().Err(err).Int("bot", id).Msg("login failed")
				bot.conn.Close()
				return
			}
			if id%100 == 0 {
				log.Info().Int("bot", id).Msg("connected")
			}
			bot.Run(*duration, *minDelay, *maxDelay, stop)
		}(i)

		time.Sleep(staggerDelay)
	}

	wg.Wait()
	close(reporterDone)

	logins, chats, received, avgUs := stats.snapshot()
	log.Info().Msg("=== Final Results ===")
	log.Info().Msgf("Clients: %d attempted, %d logged in (%.1f%%)", *numClients, logins, float64(logins)/float64(*numClients)*100)
	log.Info().Msgf("Login failures: %d, connection errors: %d", stats.loginFailures.Load(), stats.connectionErrors.Load())
	log.Info().Msgf("Average login time: %.2fms", avgUs/1000)
	log.Info().Msgf("Chat messages sent: %d (%.1f/s)", chats, float64(chats)/duration.Seconds())
	log.Info().Msgf("System messages received: %d", received)
	log.Info().Msgf("Disconnections: %d", stats.disconnections.Load())
	log.Info().Msgf("Traffic: %d bytes sent, %d bytes received", stats.bytesSent.Load(), stats.bytesReceived.Load())
}
