package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/logrusorgru/aurora"

	"github.com/IceFoxs/moquette"
	"github.com/IceFoxs/moquette/listeners"
	"github.com/IceFoxs/moquette/store/badger"
	"github.com/IceFoxs/moquette/store/bolt"
	"github.com/IceFoxs/moquette/store/pebble"
	"github.com/IceFoxs/moquette/store/redis"
)

func main() {
	configFile := flag.String("config", "", "path of a yaml or json broker config file")
	tcpAddr := flag.String("tcp", ":1883", "network address for the tcp listener")
	wsAddr := flag.String("ws", ":1882", "network address for the websocket listener")
	healthAddr := flag.String("health", ":8080", "network address for the http healthcheck listener")
	storeKind := flag.String("store", "", "session store backend (bolt, badger, pebble or redis)")
	storePath := flag.String("store-path", "", "file path of a file-backed session store")
	flag.Parse()

	sigs := make(chan os.Signal, 1)
	done := make(chan bool, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		done <- true
	}()

	fmt.Println(aurora.Magenta("Moquette Broker initializing..."))

	opts, err := moquette.OpenConfigFile(*configFile)
	if err != nil {
		log.Fatal(err)
	}
	if opts == nil {
		opts = new(moquette.Options)
		opts.AllowAnonymous = true
		opts.AllowZeroByteClientID = true
		opts.ImmediateBufferFlush = true
	}
	opts.Logger = slog.New(slog.NewTextHandler(os.Stdout, nil))

	broker := moquette.New(opts)

	switch *storeKind {
	case "":
	case "bolt":
		err = broker.AddStore(bolt.New(&bolt.Options{Path: *storePath}))
	case "badger":
		err = broker.AddStore(badger.New(&badger.Options{Path: *storePath}))
	case "pebble":
		err = broker.AddStore(pebble.New(&pebble.Options{Path: *storePath}))
	case "redis":
		err = broker.AddStore(redis.New(nil))
	default:
		err = fmt.Errorf("unknown store backend %q", *storeKind)
	}
	if err != nil {
		log.Fatal(err)
	}

	if err := broker.AddListener(listeners.NewTCP("t1", *tcpAddr)); err != nil {
		log.Fatal(err)
	}

	if err := broker.AddListener(listeners.NewWebsocket("ws1", *wsAddr)); err != nil {
		log.Fatal(err)
	}

	if err := broker.AddListener(listeners.NewHTTPHealthCheck("health", *healthAddr)); err != nil {
		log.Fatal(err)
	}

	go broker.Serve()
	fmt.Println(aurora.BgMagenta("  Started!  "))

	<-done
	fmt.Println(aurora.BgRed("  Caught Signal  "))

	broker.Close()
	fmt.Println(aurora.BgGreen("  Finished  "))
}
