package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/redis/go-redis/v9"
	"golang.org/x/term"

	"github.com/tripplan/tripsync/relay"
	"github.com/tripplan/tripsync/tripsync"
)

const TripSyncCtlVersion = "0.0.1"

const defaultApiUrl = "http://localhost:8090"
const defaultConnectUrl = "ws://localhost:8090"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := fmt.Sprintf(`Trip sync control.

The default urls are:
    api_url: %s
    connect_url: %s

Usage:
    tripsyncctl token [--secret=<secret>] --member_id=<member_id>
        [--member_email=<member_email>]
        [--ttl=<ttl>]
    tripsyncctl member [--jwt=<jwt>]
    tripsyncctl watch [--api_url=<api_url>] [--connect_url=<connect_url>] [--jwt=<jwt>]
        [--settings=<settings>] [-v...]
        <trip_plan_id>
    tripsyncctl edit [--api_url=<api_url>] [--connect_url=<connect_url>] [--jwt=<jwt>]
        [--settings=<settings>] [--timeout=<timeout>] [-v...]
        <trip_plan_id> <patch>
    tripsyncctl relay [--port=<port>] [--secret=<secret>] [--redis_addr=<redis_addr>]
        [--settings=<settings>] [-v...]

Options:
    -h --help                      Show this screen.
    --version                      Show version.
    --api_url=<api_url>
    --connect_url=<connect_url>
    --jwt=<jwt>                    Member JWT. Prompted when missing.
    --secret=<secret>              JWT signing secret. Prompted when missing.
    --member_id=<member_id>
    --member_email=<member_email>
    --ttl=<ttl>                    Token lifetime, e.g. 24h. Default no expiry.
    --settings=<settings>          YAML settings file.
    --timeout=<timeout>            Wait this long for the edit to apply [default: 30s].
    --port=<port>                  Relay listen port [default: 8090].
    --redis_addr=<redis_addr>      Sequence through Redis instead of in memory.
    -v                             Verbose logging. Repeat for more.`,
		defaultApiUrl,
		defaultConnectUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], TripSyncCtlVersion)
	if err != nil {
		panic(err)
	}

	initGlog(opts)

	if token_, _ := opts.Bool("token"); token_ {
		token(opts)
	} else if member_, _ := opts.Bool("member"); member_ {
		member(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if edit_, _ := opts.Bool("edit"); edit_ {
		edit(opts)
	} else if relay_, _ := opts.Bool("relay"); relay_ {
		runRelay(opts)
	}
}

// glog reads its verbosity from flags
func initGlog(opts docopt.Opts) {
	verbose := 0
	if v, ok := opts["-v"].(int); ok {
		verbose = v
	}
	flag.Set("logtostderr", "true")
	flag.Set("v", strconv.Itoa(verbose))
}

func optString(opts docopt.Opts, key string, defaultValue string) string {
	if value, err := opts.String(key); err == nil && value != "" {
		return value
	}
	return defaultValue
}

// the option or a prompt without echo
func secretOpt(opts docopt.Opts, key string, prompt string) string {
	if value := optString(opts, key, ""); value != "" {
		return value
	}
	fmt.Print(prompt)
	valueBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		panic(err)
	}
	fmt.Printf("\n")
	return string(valueBytes)
}

func token(opts docopt.Opts) {
	secret := secretOpt(opts, "--secret", "Enter secret: ")
	memberId, _ := opts.String("--member_id")
	memberEmail := optString(opts, "--member_email", "")

	var ttl time.Duration
	if ttlStr := optString(opts, "--ttl", ""); ttlStr != "" {
		var err error
		ttl, err = time.ParseDuration(ttlStr)
		if err != nil {
			panic(err)
		}
	}

	jwt, err := tripsync.NewByJwt(
		tripsync.Member{
			MemberId:    memberId,
			MemberEmail: memberEmail,
		},
		[]byte(secret),
		ttl,
	)
	if err != nil {
		panic(err)
	}
	Out.Printf("%s", jwt)
}

func member(opts docopt.Opts) {
	jwt := secretOpt(opts, "--jwt", "Enter jwt: ")
	byJwt, err := tripsync.ParseByJwtUnverified(jwt)
	if err != nil {
		panic(err)
	}
	Out.Printf("member_id: %s", byJwt.MemberId)
	Out.Printf("member_email: %s", byJwt.MemberEmail)
}

func newSession(ctx context.Context, opts docopt.Opts) *tripsync.Session {
	apiUrl := optString(opts, "--api_url", defaultApiUrl)
	connectUrl := optString(opts, "--connect_url", defaultConnectUrl)
	tripPlanId, _ := opts.String("<trip_plan_id>")
	jwt := secretOpt(opts, "--jwt", "Enter jwt: ")

	byJwt, err := tripsync.ParseByJwtUnverified(jwt)
	if err != nil {
		panic(err)
	}
	settings, err := loadSettingsFile(optString(opts, "--settings", ""))
	if err != nil {
		panic(err)
	}

	return tripsync.NewSession(
		ctx,
		tripPlanId,
		byJwt.Member(),
		tripsync.NewWsDialerWithDefaults(connectUrl, jwt),
		tripsync.NewTripApiWithDefaults(apiUrl, jwt),
		settings.sessionSettings(),
	)
}

// print every change until interrupted
func watch(opts docopt.Opts) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	session := newSession(ctx, opts)
	session.AddStateCallback(func(state tripsync.SessionState) {
		Err.Printf("state %s", state)
	})
	session.AddChangeCallback(func(change tripsync.Change) {
		if change.Envelope == nil {
			Out.Printf("%d snapshot %s", change.Counter, documentJson(session.CurrentDocument()))
			Out.Printf("%d members %v", change.Counter, session.CurrentPresence())
			return
		}
		switch v := change.Envelope.Payload.(type) {
		case *tripsync.UpdateTrip:
			opsJson, _ := json.Marshal(v.Ops)
			Out.Printf("%d update %s", change.Counter, opsJson)
		case *tripsync.JoinSession:
			Out.Printf("%d join %s %s", change.Counter, v.MemberId, v.MemberEmail)
		case *tripsync.LeaveSession:
			Out.Printf("%d leave %s %s", change.Counter, v.MemberId, v.MemberEmail)
		case *tripsync.Ping:
			Out.Printf("%d ping", change.Counter)
		}
	})
	session.Open()

	select {
	case <-ctx.Done():
		session.Close()
		<-session.Done()
	case <-session.Done():
	}

	if err := session.Err(); err != nil {
		Err.Printf("%s", err)
		os.Exit(1)
	}
}

// send one patch, wait for it to be released, and print the document
func edit(opts docopt.Opts) {
	patchStr, _ := opts.String("<patch>")
	var ops []tripsync.PatchOperation
	if err := json.Unmarshal([]byte(patchStr), &ops); err != nil {
		panic(fmt.Errorf("Patch must be a JSON Patch array: %w", err))
	}
	timeout, err := time.ParseDuration(optString(opts, "--timeout", "30s"))
	if err != nil {
		panic(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	session := newSession(ctx, opts)
	joined := make(chan struct{}, 1)
	session.AddStateCallback(func(state tripsync.SessionState) {
		if state == tripsync.SessionJoined {
			select {
			case joined <- struct{}{}:
			default:
			}
		}
	})
	// envelopes can be released before LocalEdit returns the id
	var releasedLock sync.Mutex
	releasedCounters := map[string]uint64{}
	releasedSignal := make(chan struct{}, 1)
	session.AddChangeCallback(func(change tripsync.Change) {
		if change.Envelope == nil {
			return
		}
		releasedLock.Lock()
		releasedCounters[change.Envelope.Id] = change.Counter
		releasedLock.Unlock()
		select {
		case releasedSignal <- struct{}{}:
		default:
		}
	})
	session.Open()
	defer func() {
		session.Close()
		<-session.Done()
	}()

	timeoutCtx, timeoutCancel := context.WithTimeout(ctx, timeout)
	defer timeoutCancel()

	select {
	case <-timeoutCtx.Done():
		Err.Printf("Not joined: %s", timeoutCtx.Err())
		return
	case <-session.Done():
		Err.Printf("Session ended: %s", session.Err())
		return
	case <-joined:
	}

	id, err := session.LocalEdit(ops)
	if err != nil {
		Err.Printf("Edit failed: %s", err)
		return
	}

	for {
		releasedLock.Lock()
		counter, ok := releasedCounters[id]
		releasedLock.Unlock()
		if ok {
			Out.Printf("%d %s", counter, documentJson(session.CurrentDocument()))
			return
		}

		select {
		case <-timeoutCtx.Done():
			Err.Printf("Edit %s not released: %s", id, timeoutCtx.Err())
			return
		case <-session.Done():
			Err.Printf("Session ended: %s", session.Err())
			return
		case <-releasedSignal:
		}
	}
}

func documentJson(document map[string]any) string {
	b, err := json.Marshal(document)
	if err != nil {
		return fmt.Sprintf("%v", document)
	}
	return string(b)
}

func runRelay(opts docopt.Opts) {
	port, err := strconv.Atoi(optString(opts, "--port", "8090"))
	if err != nil {
		panic(err)
	}
	secret := secretOpt(opts, "--secret", "Enter secret: ")
	settings, err := loadSettingsFile(optString(opts, "--settings", ""))
	if err != nil {
		panic(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var sequencer relay.Sequencer
	if redisAddr := optString(opts, "--redis_addr", ""); redisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr: redisAddr,
		})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			panic(fmt.Errorf("Could not connect to Redis: %w", err))
		}
		sequencer = relay.NewRedisSequencer(client, settings.redisSequencerSettings())
	} else {
		sequencer = relay.NewMemorySequencerWithDefaults()
	}

	server := &http.Server{
		Addr:    net.JoinHostPort("", strconv.Itoa(port)),
		Handler: relay.NewServer(ctx, sequencer, []byte(secret), settings.serverSettings()),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		server.Shutdown(shutdownCtx)
	}()

	Err.Printf("Relay listening on :%d", port)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		panic(err)
	}
}
