// Package config loads environment-driven settings for clients and the
// signaling server.
package config

import (
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Client struct {
	SignalingURL   string        `env:"CALLSIG_SIGNALING_URL" env-default:"ws://localhost:8888"`
	TokenURL       string        `env:"CALLSIG_TOKEN_URL" env-default:"http://localhost:8080"`
	STUNServers    []string      `env:"CALLSIG_STUN_SERVERS" env-default:"stun:stun.l.google.com:19302"`
	ConnectTimeout time.Duration `env:"CALLSIG_CONNECT_TIMEOUT" env-default:"30s"`
}

type Server struct {
	APIListenAddr string        `env:"CALLSIG_API_LISTEN_ADDR" env-default:":8080"`
	WSListenAddr  string        `env:"CALLSIG_WS_LISTEN_ADDR" env-default:":8888"`
	TokenSecret   string        `env:"CALLSIG_TOKEN_SECRET"`
	TokenAppID    string        `env:"CALLSIG_TOKEN_APP_ID"`
	TokenTTL      time.Duration `env:"CALLSIG_TOKEN_TTL" env-default:"1h"`
	LogLevel      string        `env:"CALLSIG_LOG_LEVEL" env-default:"debug"`
}

func LoadClient() (Client, error) {
	var c Client
	err := cleanenv.ReadEnv(&c)
	return c, err
}

func LoadServer() (Server, error) {
	var s Server
	err := cleanenv.ReadEnv(&s)
	return s, err
}
