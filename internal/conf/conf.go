// Package conf contains the struct that holds the configuration of the software.
package conf

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/kurogw/kurogw/internal/logger"
)

// Conf is the gateway configuration.
type Conf struct {
	// General
	LogLevel        LogLevel        `yaml:"logLevel"`
	LogDestinations LogDestinations `yaml:"logDestinations"`
	LogFile         string          `yaml:"logFile"`

	// Signaling server
	SignalAddress string   `yaml:"signalAddress"`
	Encryption    bool     `yaml:"encryption"`
	ServerKey     string   `yaml:"serverKey"`
	ServerCert    string   `yaml:"serverCert"`
	AllowOrigin   string   `yaml:"allowOrigin"`
	ReadTimeout   Duration `yaml:"readTimeout"`
	WriteTimeout  Duration `yaml:"writeTimeout"`

	// Kurento Media Server
	KMSURL            string   `yaml:"kmsURL"`
	KMSConnectTimeout Duration `yaml:"kmsConnectTimeout"`
	KMSRPCTimeout     Duration `yaml:"kmsRPCTimeout"`
	EventQueueSize    int      `yaml:"eventQueueSize"`
}

func (conf *Conf) setDefaults() {
	conf.LogLevel = LogLevel(logger.Info)
	conf.LogDestinations = LogDestinations{logger.DestinationStdout}
	conf.LogFile = "kurogw.log"

	conf.SignalAddress = ":8080"
	conf.ServerKey = "server.key"
	conf.ServerCert = "server.crt"
	conf.AllowOrigin = "*"
	conf.ReadTimeout = Duration(10 * time.Second)
	conf.WriteTimeout = Duration(10 * time.Second)

	conf.KMSURL = "ws://localhost:8888/kurento"
	conf.KMSConnectTimeout = Duration(5 * time.Second)
	conf.KMSRPCTimeout = Duration(10 * time.Second)
	conf.EventQueueSize = 64
}

// Load loads a Conf.
func Load(fpath string) (*Conf, bool, error) {
	conf := &Conf{}

	found, err := conf.loadFromFile(fpath)
	if err != nil {
		return nil, false, err
	}

	err = loadFromEnvironment("KUROGW", conf)
	if err != nil {
		return nil, false, err
	}

	err = conf.validate()
	if err != nil {
		return nil, false, err
	}

	return conf, found, nil
}

func (conf *Conf) loadFromFile(fpath string) (bool, error) {
	conf.setDefaults()

	byts, err := os.ReadFile(fpath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	err = yaml.UnmarshalStrict(byts, conf)
	if err != nil {
		return true, err
	}

	return true, nil
}

func (conf *Conf) validate() error {
	if conf.KMSURL == "" {
		return fmt.Errorf("kmsURL is empty")
	}

	if conf.Encryption && conf.ServerCert == "" {
		return fmt.Errorf("encryption is enabled but server cert is missing")
	}

	if conf.EventQueueSize <= 0 {
		return fmt.Errorf("eventQueueSize must be greater than zero")
	}

	return nil
}
