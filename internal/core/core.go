// Package core contains the main struct of the software.
package core

import (
	"context"
	"fmt"
	"os"
	osignal "os/signal"
	"reflect"
	"time"

	"github.com/alecthomas/kong"
	"github.com/gin-gonic/gin"

	"github.com/kurogw/kurogw/internal/conf"
	"github.com/kurogw/kurogw/internal/confwatcher"
	"github.com/kurogw/kurogw/internal/kurento"
	"github.com/kurogw/kurogw/internal/logger"
	"github.com/kurogw/kurogw/internal/room"
	"github.com/kurogw/kurogw/internal/servers/signal"
)

var version = "v0.0.0"

var cli struct {
	Version  bool   `help:"print version"`
	Confpath string `arg:"" default:"kurogw.yml"`
}

// Core is an instance of the gateway.
type Core struct {
	ctx          context.Context
	ctxCancel    func()
	confPath     string
	conf         *conf.Conf
	confFound    bool
	logger       *logger.Logger
	kms          *kurento.Transport
	rooms        *room.Manager
	registry     *room.Registry
	signalServer *signal.Server
	confWatcher  *confwatcher.ConfWatcher

	// out
	done chan struct{}
}

// New allocates a Core.
func New(args []string) (*Core, bool) {
	parser, err := kong.New(&cli,
		kong.Description("kurogw "+version),
		kong.UsageOnError(),
		kong.ValueFormatter(func(value *kong.Value) string {
			switch value.Name {
			case "confpath":
				return "path to a config file. The default is kurogw.yml."

			default:
				return kong.DefaultHelpValueFormatter(value)
			}
		}))
	if err != nil {
		panic(err)
	}

	_, err = parser.Parse(args)
	parser.FatalIfErrorf(err)

	if cli.Version {
		fmt.Println(version)
		os.Exit(0)
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	p := &Core{
		ctx:       ctx,
		ctxCancel: ctxCancel,
		confPath:  cli.Confpath,
		done:      make(chan struct{}),
	}

	p.conf, p.confFound, err = conf.Load(p.confPath)
	if err != nil {
		fmt.Printf("ERR: %s\n", err)
		return nil, false
	}

	err = p.createResources(true)
	if err != nil {
		if p.logger != nil {
			p.Log(logger.Error, "%s", err)
		} else {
			fmt.Printf("ERR: %s\n", err)
		}
		p.closeResources(nil)
		return nil, false
	}

	go p.run()

	return p, true
}

// Close closes Core and waits for all goroutines to return.
func (p *Core) Close() {
	p.ctxCancel()
	<-p.done
}

// Wait waits for the Core to exit.
func (p *Core) Wait() {
	<-p.done
}

// Log implements logger.Writer.
func (p *Core) Log(level logger.Level, format string, args ...interface{}) {
	p.logger.Log(level, format, args...)
}

func (p *Core) run() {
	defer close(p.done)

	confChanged := func() chan struct{} {
		if p.confWatcher != nil {
			return p.confWatcher.Watch()
		}
		return make(chan struct{})
	}()

	interrupt := make(chan os.Signal, 1)
	osignal.Notify(interrupt, os.Interrupt)

outer:
	for {
		select {
		case <-confChanged:
			p.Log(logger.Info, "reloading configuration (file changed)")

			newConf, _, err := conf.Load(p.confPath)
			if err != nil {
				p.Log(logger.Error, "%s", err)
				break outer
			}

			err = p.reloadConf(newConf)
			if err != nil {
				p.Log(logger.Error, "%s", err)
				break outer
			}

		case <-interrupt:
			p.Log(logger.Info, "shutting down gracefully")
			break outer

		case <-p.ctx.Done():
			break outer
		}
	}

	p.ctxCancel()

	p.closeResources(nil)
}

func (p *Core) createResources(initial bool) error {
	var err error

	if p.logger == nil {
		p.logger = &logger.Logger{
			Level:        logger.Level(p.conf.LogLevel),
			Destinations: p.conf.LogDestinations,
			FilePath:     p.conf.LogFile,
		}
		err = p.logger.Initialize()
		if err != nil {
			return err
		}
	}

	if initial {
		p.Log(logger.Info, "kurogw %s", version)
		if !p.confFound {
			p.Log(logger.Warn, "configuration file not found, using defaults")
		}

		gin.SetMode(gin.ReleaseMode)
	}

	if p.kms == nil {
		p.kms = &kurento.Transport{
			URL:            p.conf.KMSURL,
			ConnectTimeout: time.Duration(p.conf.KMSConnectTimeout),
			RPCTimeout:     time.Duration(p.conf.KMSRPCTimeout),
			QueueSize:      p.conf.EventQueueSize,
			Parent:         p,
		}
		err = p.kms.Initialize()
		if err != nil {
			return err
		}
	}

	if p.rooms == nil {
		p.rooms = &room.Manager{
			KMS:    p.kms,
			Parent: p,
		}
		p.rooms.Initialize()
	}

	if p.registry == nil {
		p.registry = room.NewRegistry()
	}

	if p.signalServer == nil {
		p.signalServer = &signal.Server{
			Address:      p.conf.SignalAddress,
			Encryption:   p.conf.Encryption,
			ServerCert:   p.conf.ServerCert,
			ServerKey:    p.conf.ServerKey,
			AllowOrigin:  p.conf.AllowOrigin,
			ReadTimeout:  p.conf.ReadTimeout,
			WriteTimeout: p.conf.WriteTimeout,
			KMS:          p.kms,
			Rooms:        p.rooms,
			Registry:     p.registry,
			Parent:       p,
		}
		err = p.signalServer.Initialize()
		if err != nil {
			return err
		}
	}

	if p.confWatcher == nil && p.confFound {
		p.confWatcher = &confwatcher.ConfWatcher{FilePath: p.confPath}
		err = p.confWatcher.Initialize()
		if err != nil {
			return err
		}
	}

	return nil
}

func (p *Core) closeResources(newConf *conf.Conf) {
	closeLogger := newConf == nil ||
		newConf.LogLevel != p.conf.LogLevel ||
		!reflect.DeepEqual(newConf.LogDestinations, p.conf.LogDestinations) ||
		newConf.LogFile != p.conf.LogFile

	closeKMS := newConf == nil ||
		newConf.KMSURL != p.conf.KMSURL ||
		newConf.KMSConnectTimeout != p.conf.KMSConnectTimeout ||
		newConf.KMSRPCTimeout != p.conf.KMSRPCTimeout ||
		newConf.EventQueueSize != p.conf.EventQueueSize

	closeSignalServer := closeKMS ||
		newConf.SignalAddress != p.conf.SignalAddress ||
		newConf.Encryption != p.conf.Encryption ||
		newConf.ServerCert != p.conf.ServerCert ||
		newConf.ServerKey != p.conf.ServerKey ||
		newConf.AllowOrigin != p.conf.AllowOrigin ||
		newConf.ReadTimeout != p.conf.ReadTimeout ||
		newConf.WriteTimeout != p.conf.WriteTimeout

	if newConf == nil && p.confWatcher != nil {
		p.confWatcher.Close()
		p.confWatcher = nil
	}

	if closeSignalServer && p.signalServer != nil {
		p.signalServer.Close()
		p.signalServer = nil
		p.registry = nil
	}

	if closeKMS && p.kms != nil {
		if p.rooms != nil {
			p.rooms.Close()
			p.rooms = nil
		}
		p.kms.Close()
		p.kms = nil
	}

	if closeLogger && p.logger != nil {
		p.logger.Close()
		p.logger = nil
	}
}

func (p *Core) reloadConf(newConf *conf.Conf) error {
	p.closeResources(newConf)
	p.conf = newConf
	return p.createResources(false)
}
