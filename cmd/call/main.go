package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/adwski/callsig/call"
	"github.com/adwski/callsig/config"
	"github.com/adwski/callsig/media"
	"github.com/adwski/callsig/model"
	"github.com/adwski/callsig/peer/pion"
	"github.com/adwski/callsig/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

type logNotifier struct {
	logger zerolog.Logger
}

func (n *logNotifier) Notify(title, detail string) {
	n.logger.Info().Str("detail", detail).Msg(title)
}

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()

	cfg, err := config.LoadClient()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load environment config")
	}

	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)
	var (
		signalingURL = fs.StringP("signaling-url", "s", cfg.SignalingURL, "signaling endpoint url")
		userID       = fs.StringP("user-id", "u", uuid.NewString(), "local user id")
		userName     = fs.StringP("user-name", "n", "anonymous", "local user display name")
		targetID     = fs.StringP("target", "t", "", "user id to call; empty means wait for calls")
		roomID       = fs.StringP("room", "r", "", "explicit signaling room id")
		kindFlag     = fs.StringP("kind", "k", "video", "call kind: voice or video")
		autoAnswer   = fs.BoolP("answer", "A", false, "answer incoming calls automatically")
		logLevel     = fs.StringP("log-level", "l", "info", "log level")
	)
	if err = fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	kind := model.CallKind(*kindFlag)
	if kind != model.CallVoice && kind != model.CallVideo {
		logger.Fatal().Str("kind", *kindFlag).Msg("unknown call kind")
	}

	capture, err := media.NewCapture(&logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init media capture")
	}
	negotiator, err := pion.New(pion.Config{
		Logger:           &logger,
		STUNServers:      cfg.STUNServers,
		MediaEngineSetup: capture.MediaEngineSetup(),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init negotiator")
	}

	channel := transport.NewChannel(transport.Config{
		Logger: &logger,
		URL:    *signalingURL,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err = channel.Connect(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to signaling endpoint")
	}
	defer channel.Close()

	store := call.NewStore()
	orc := call.NewOrchestrator(call.Config{
		Logger:         &logger,
		Channel:        channel,
		Negotiator:     negotiator,
		Media:          capture,
		Store:          store,
		Notifier:       &logNotifier{logger: logger},
		Self:           model.User{ID: *userID, Name: *userName, Online: true},
		ConnectTimeout: cfg.ConnectTimeout,
	})
	defer orc.Close()

	offSess := store.Subscribe(func(sess model.Session) {
		logger.Info().
			Bool("active", sess.Active).
			Bool("incoming", sess.Incoming).
			Str("kind", string(sess.Kind)).
			Int("participants", len(sess.Participants)).
			Bool("started", sess.Started()).
			Msg("session")

		if sess.Incoming && *autoAnswer {
			go func() {
				if aErr := orc.AnswerCall(ctx); aErr != nil {
					logger.Error().Err(aErr).Msg("failed to answer")
				}
			}()
		}
	})
	defer offSess()

	if *targetID != "" {
		err = orc.StartCall(ctx, kind, model.User{ID: *targetID}, *roomID)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to start call")
		}
	} else {
		logger.Info().Str("userID", *userID).Msg("waiting for incoming calls")
	}

	<-ctx.Done()
	logger.Warn().Msg("interrupted")
	orc.EndCall()
}
