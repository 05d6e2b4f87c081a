// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// ibutton-watch polls a 1-wire bus for an iButton-style card and reports
// presence and identity transitions.
//
// Events go to the log; optionally every swipe is inserted into a MySQL
// table and published on a Redis channel so a door controller can consume
// them. The bus master is either a bit-banged GPIO pin (default) or a
// DS9097-style serial adapter.
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-gorp/gorp"
	"github.com/go-redis/redis"
	_ "github.com/go-sql-driver/mysql"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"github.com/doorkit/onewire/ibutton"
	"github.com/doorkit/onewire/onewiregpio"
	"github.com/doorkit/onewire/onewireuart"
)

type config struct {
	Pin      string `yaml:"pin"`      // GPIO pin name, e.g. "GPIO4"
	UART     string `yaml:"uart"`     // serial device; overrides the pin when set
	Interval string `yaml:"interval"` // poll cadence, e.g. "50ms"
	Verbose  bool   `yaml:"verbose"`
	MySQL    struct {
		DSN   string `yaml:"dsn"`
		Table string `yaml:"table"`
	} `yaml:"mysql"`
	Redis struct {
		Addr    string `yaml:"addr"`
		Channel string `yaml:"channel"`
	} `yaml:"redis"`
}

// swipe is one audit-trail row; the reader stores no protocol state, this
// is purely for downstream consumers.
type swipe struct {
	ID   int64     `db:"id"`
	TS   time.Time `db:"ts"`
	Kind string    `db:"kind"`
	UID  string    `db:"uid"`
}

func loadConfig(path string) (*config, error) {
	cfg := &config{Pin: "GPIO4", Interval: "50ms"}
	cfg.MySQL.Table = "swipes"
	cfg.Redis.Channel = "ibutton"
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %s", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %s", path, err)
	}
	return cfg, nil
}

func newLogger(verbose bool) *logrus.Logger {
	log := logrus.New()
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	if isatty.IsTerminal(os.Stdout.Fd()) {
		log.SetOutput(colorable.NewColorableStdout())
		log.SetFormatter(&logrus.TextFormatter{ForceColors: true, FullTimestamp: true})
	} else {
		log.SetOutput(os.Stdout)
	}
	return log
}

func openMaster(cfg *config) (ibutton.Master, func() error, error) {
	if cfg.UART != "" {
		d, err := onewireuart.New(cfg.UART, nil)
		if err != nil {
			return nil, nil, err
		}
		return d, d.Close, nil
	}
	if _, err := host.Init(); err != nil {
		return nil, nil, fmt.Errorf("initializing host: %s", err)
	}
	p := gpioreg.ByName(cfg.Pin)
	if p == nil {
		return nil, nil, fmt.Errorf("no GPIO pin named %q", cfg.Pin)
	}
	d, err := onewiregpio.New(p, nil)
	if err != nil {
		return nil, nil, err
	}
	return d, d.Halt, nil
}

func openSwipeLog(cfg *config) (*gorp.DbMap, error) {
	if cfg.MySQL.DSN == "" {
		return nil, nil
	}
	db, err := sql.Open("mysql", cfg.MySQL.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening mysql: %s", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("reaching mysql: %s", err)
	}
	dbmap := &gorp.DbMap{Db: db, Dialect: gorp.MySQLDialect{Engine: "InnoDB", Encoding: "utf8mb4"}}
	dbmap.AddTableWithName(swipe{}, cfg.MySQL.Table).SetKeys(true, "ID")
	if err := dbmap.CreateTablesIfNotExists(); err != nil {
		return nil, fmt.Errorf("creating %s table: %s", cfg.MySQL.Table, err)
	}
	return dbmap, nil
}

func openRedis(cfg *config) (*redis.Client, error) {
	if cfg.Redis.Addr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	if _, err := client.Ping().Result(); err != nil {
		return nil, fmt.Errorf("reaching redis at %s: %s", cfg.Redis.Addr, err)
	}
	return client, nil
}

func kindName(k ibutton.EventKind) string {
	switch k {
	case ibutton.CardPresent:
		return "present"
	case ibutton.CardRemoved:
		return "removed"
	default:
		return "uid"
	}
}

func mainImpl() error {
	cfgPath := flag.String("c", "", "YAML config file")
	pin := flag.String("pin", "", "GPIO pin name (overrides config)")
	uart := flag.String("uart", "", "serial adapter device (overrides config)")
	interval := flag.Duration("interval", 0, "poll interval (overrides config)")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()
	if flag.NArg() != 0 {
		return fmt.Errorf("unexpected argument: %s", flag.Arg(0))
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	if *pin != "" {
		cfg.Pin = *pin
	}
	if *uart != "" {
		cfg.UART = *uart
	}
	if *verbose {
		cfg.Verbose = true
	}
	pollEvery, err := time.ParseDuration(cfg.Interval)
	if err != nil {
		return fmt.Errorf("bad interval %q: %s", cfg.Interval, err)
	}
	if *interval > 0 {
		pollEvery = *interval
	}

	log := newLogger(cfg.Verbose)

	master, closeMaster, err := openMaster(cfg)
	if err != nil {
		return err
	}
	defer closeMaster()

	dbmap, err := openSwipeLog(cfg)
	if err != nil {
		return err
	}
	if dbmap != nil {
		defer dbmap.Db.Close()
	}
	rdb, err := openRedis(cfg)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	}

	mon, err := ibutton.New(master, &ibutton.Opts{Interval: pollEvery, Logger: log})
	if err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sig
		log.WithField("signal", s.String()).Info("shutting down")
		mon.Halt()
	}()

	log.WithFields(logrus.Fields{
		"bus":      fmt.Sprintf("%v", master),
		"interval": pollEvery.String(),
	}).Info("watching for cards")

	go mon.Run()
	for ev := range mon.Events() {
		entry := log.WithField("event", ev.String())
		if ev.Kind == ibutton.CardUID {
			// Rough decimal readings of the serial bytes, handy for
			// matching the number printed on a card. Not authoritative.
			entry = entry.WithFields(logrus.Fields{
				"serial32be": ev.UID.Serial32BE(),
				"serial32le": ev.UID.Serial32LE(),
				"serial40be": ev.UID.Serial40BE(),
				"serial40le": ev.UID.Serial40LE(),
			})
		}
		entry.Info(ev.String())

		if dbmap != nil {
			row := &swipe{TS: time.Now(), Kind: kindName(ev.Kind), UID: ev.UID.String()}
			if err := dbmap.Insert(row); err != nil {
				log.WithError(err).Warn("mysql insert failed")
			}
		}
		if rdb != nil {
			if err := rdb.Publish(cfg.Redis.Channel, ev.String()).Err(); err != nil {
				log.WithError(err).Warn("redis publish failed")
			}
		}
	}
	return nil
}

func main() {
	if err := mainImpl(); err != nil {
		fmt.Fprintf(os.Stderr, "ibutton-watch: %s\n", err)
		os.Exit(1)
	}
}
