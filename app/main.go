package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	tbapi "github.com/OvyFlash/telegram-bot-api"
	"github.com/fatih/color"
	"github.com/go-pkgz/lgr"
	"github.com/jessevdk/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/HerbertGao/BanhammerBot/app/bot"
	"github.com/HerbertGao/BanhammerBot/app/events"
	"github.com/HerbertGao/BanhammerBot/app/storage"
	"github.com/HerbertGao/BanhammerBot/app/storage/engine"
	"github.com/HerbertGao/BanhammerBot/app/webapi"
	"github.com/HerbertGao/BanhammerBot/lib/rules"
)

type options struct {
	Telegram struct {
		Token   string        `long:"token" env:"TOKEN" description:"telegram bot token" required:"true"`
		Timeout time.Duration `long:"timeout" env:"TIMEOUT" default:"30s" description:"http client timeout for telegram"`
	} `group:"telegram" namespace:"telegram" env-namespace:"TELEGRAM"`

	DB              string            `long:"db" env:"DB" default:"banhammer.db" description:"db connection, sqlite file or postgres url"`
	SuperUsers      events.SuperUsers `long:"super" env:"SUPER_USER" env-delim:"," description:"super-users, admins everywhere"`
	ReportThreshold int               `long:"report-threshold" env:"REPORT_THRESHOLD" default:"3" description:"distinct admin reports to blacklist content"`
	BanDuration     time.Duration     `long:"ban-duration" env:"BAN_DURATION" default:"0" description:"ban duration, 0 for permanent"`
	WordsFile       string            `long:"words-file" env:"WORDS_FILE" default:"" description:"banned words file, watched for changes"`

	Detector struct {
		MaxLinks     int     `long:"max-links" env:"MAX_LINKS" default:"3" description:"max links in a message"`
		MaxCapsRatio float64 `long:"max-caps-ratio" env:"MAX_CAPS_RATIO" default:"0.7" description:"max ratio of capital letters"`
		MaxRepeatRun int     `long:"max-repeat-run" env:"MAX_REPEAT_RUN" default:"5" description:"max run of a repeated character"`
		MaxMsgLen    int     `long:"max-msg-len" env:"MAX_MSG_LEN" default:"3500" description:"max message length"`
		MaxEmoji     int     `long:"max-emoji" env:"MAX_EMOJI" default:"10" description:"max emoji count in message"`
		MinLetters   int     `long:"min-letters" env:"MIN_LETTERS" default:"10" description:"min letters for caps-ratio rule to apply"`
	} `group:"detector" namespace:"detector" env-namespace:"DETECTOR"`

	Logger struct {
		Enabled    bool   `long:"enabled" env:"ENABLED" description:"enable rotated moderation log"`
		FileName   string `long:"file" env:"FILE" default:"banhammer.log" description:"location of moderation log"`
		MaxSize    string `long:"max-size" env:"MAX_SIZE" default:"100M" description:"maximum size before it gets rotated"`
		MaxBackups int    `long:"max-backups" env:"MAX_BACKUPS" default:"10" description:"maximum number of old log files to retain"`
	} `group:"logger" namespace:"logger" env-namespace:"LOGGER"`

	Server struct {
		Enabled    bool   `long:"enabled" env:"ENABLED" description:"enable web API server"`
		ListenAddr string `long:"listen" env:"LISTEN" default:":8080" description:"listen address"`
		AuthPasswd string `long:"auth" env:"AUTH" default:"" description:"basic auth password for user banhammer"`
	} `group:"server" namespace:"server" env-namespace:"SERVER"`

	Dry   bool `long:"dry" env:"DRY" description:"dry mode, no deletes or bans"`
	Dbg   bool `long:"dbg" env:"DEBUG" description:"debug mode"`
	TGDbg bool `long:"tg-dbg" env:"TG_DEBUG" description:"telegram debug mode"`
}

var revision = "local"

func main() {
	fmt.Printf("banhammer %s\n", revision)
	var opts options
	p := flags.NewParser(&opts, flags.PrintErrors|flags.PassDoubleDash|flags.HelpFlag)
	if _, err := p.Parse(); err != nil {
		var flagsErr *flags.Error
		if !errors.As(err, &flagsErr) || flagsErr.Type != flags.ErrHelp {
			log.Printf("[ERROR] cli error: %v", err)
		}
		os.Exit(2)
	}

	setupLog(opts.Dbg, opts.Telegram.Token)
	log.Printf("[DEBUG] options: %+v", opts)

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		// catch signal and invoke graceful termination
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		<-stop
		log.Printf("[WARN] interrupt signal")
		cancel()
	}()

	if err := execute(ctx, opts); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("[ERROR] %v", err)
		os.Exit(1)
	}
}

func execute(ctx context.Context, opts options) error {
	if opts.Dry {
		log.Print("[WARN] dry mode, no actual deletes or bans")
	}

	tbAPI, err := tbapi.NewBotAPI(opts.Telegram.Token)
	if err != nil {
		return fmt.Errorf("can't make telegram bot, %w", err)
	}
	tbAPI.Debug = opts.TGDbg

	db, err := engine.New(opts.DB)
	if err != nil {
		return fmt.Errorf("can't make db engine, %w", err)
	}
	defer db.Close()

	blacklist, err := storage.NewBlacklist(ctx, db)
	if err != nil {
		return fmt.Errorf("can't make blacklist store, %w", err)
	}
	reports, err := storage.NewReports(ctx, db, opts.ReportThreshold)
	if err != nil {
		return fmt.Errorf("can't make reports store, %w", err)
	}
	settings, err := storage.NewSettings(ctx, db)
	if err != nil {
		return fmt.Errorf("can't make settings store, %w", err)
	}
	actions, err := storage.NewActions(ctx, db)
	if err != nil {
		return fmt.Errorf("can't make actions store, %w", err)
	}

	detector := rules.NewDetector()
	if opts.WordsFile != "" {
		go func() {
			if err := detector.WatchWordsFile(ctx, opts.WordsFile); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("[WARN] words file watcher stopped: %v", err)
			}
		}()
	}

	modLogWr, err := makeModerationLogWriter(opts)
	if err != nil {
		return fmt.Errorf("can't make moderation log writer, %w", err)
	}
	defer modLogWr.Close()

	sharing := bot.NewGlobalSharing(settings, blacklist)
	actioner := &events.TelegramActioner{TbAPI: tbAPI, BanDuration: opts.BanDuration}
	moderator := bot.NewModerator(bot.ModeratorParams{
		Blacklist: blacklist,
		Reports:   reports,
		Scopes:    sharing,
		Settings:  settings,
		Recorder:  &recorderWithLog{Actions: actions, wr: modLogWr},
		Detector:  detector,
		Actioner:  actioner,
		Thresholds: rules.Thresholds{
			MaxLinks:     opts.Detector.MaxLinks,
			MaxCapsRatio: opts.Detector.MaxCapsRatio,
			MaxRepeatRun: opts.Detector.MaxRepeatRun,
			MaxMsgLen:    opts.Detector.MaxMsgLen,
			MaxEmoji:     opts.Detector.MaxEmoji,
			MinLetters:   opts.Detector.MinLetters,
		},
		DryRun: opts.Dry,
	})

	if opts.Server.Enabled {
		srv := webapi.NewServer(webapi.Config{
			Version:    revision,
			ListenAddr: opts.Server.ListenAddr,
			AuthPasswd: opts.Server.AuthPasswd,
			Moderator:  moderator,
			Blacklist:  blacklist,
			Sharing:    sharing,
			Detector:   detector,
			Dbg:        opts.Dbg,
		})
		go func() {
			if err := srv.Run(ctx); err != nil {
				log.Printf("[ERROR] webapi server failed, %v", err)
			}
		}()
	}

	listener := &events.TelegramListener{
		TbAPI:      tbAPI,
		Moderator:  moderator,
		Sharing:    sharing,
		Settings:   settings,
		Blacklist:  blacklist,
		SuperUsers: opts.SuperUsers,
	}
	if err := listener.Do(ctx); err != nil {
		return fmt.Errorf("telegram listener failed, %w", err)
	}
	return nil
}

// recorderWithLog mirrors audit records as json lines into the rotated
// moderation log in addition to the database
type recorderWithLog struct {
	*storage.Actions
	wr io.Writer
}

func (r *recorderWithLog) Log(ctx context.Context, rec storage.ActionRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if err := json.NewEncoder(r.wr).Encode(rec); err != nil {
		log.Printf("[WARN] failed to write moderation log line: %v", err)
	}
	return r.Actions.Log(ctx, rec)
}

// makeModerationLogWriter creates the rotated moderation log writer,
// it parses options and makes lumberjack logger with rotation
func makeModerationLogWriter(opts options) (logWriter io.WriteCloser, err error) {
	if !opts.Logger.Enabled {
		return nopWriteCloser{io.Discard}, nil
	}

	sizeParse := func(inp string) (uint64, error) {
		if inp == "" {
			return 0, errors.New("empty value")
		}
		for i, sfx := range []string{"k", "m", "g", "t"} {
			if strings.HasSuffix(inp, strings.ToUpper(sfx)) || strings.HasSuffix(inp, strings.ToLower(sfx)) {
				val, err := strconv.Atoi(inp[:len(inp)-1])
				if err != nil {
					return 0, fmt.Errorf("can't parse %s: %w", inp, err)
				}
				return uint64(float64(val) * math.Pow(float64(1024), float64(i+1))), nil
			}
		}
		return strconv.ParseUint(inp, 10, 64)
	}

	maxSize, perr := sizeParse(opts.Logger.MaxSize)
	if perr != nil {
		return nil, fmt.Errorf("can't parse logger MaxSize: %w", perr)
	}
	maxSize /= 1048576

	log.Printf("[INFO] moderation log enabled for %s, max size %dM", opts.Logger.FileName, maxSize)
	return &lumberjack.Logger{
		Filename:   opts.Logger.FileName,
		MaxSize:    int(maxSize), // in MB
		MaxBackups: opts.Logger.MaxBackups,
		Compress:   true,
		LocalTime:  true,
	}, nil
}

type nopWriteCloser struct{ io.Writer }

func (n nopWriteCloser) Close() error { return nil }

func setupLog(dbg bool, secrets ...string) {
	logOpts := []lgr.Option{lgr.Msec, lgr.LevelBraces, lgr.StackTraceOnError}
	if dbg {
		logOpts = []lgr.Option{lgr.Debug, lgr.CallerFile, lgr.CallerFunc, lgr.Msec, lgr.LevelBraces, lgr.StackTraceOnError}
	}

	colorizer := lgr.Mapper{
		ErrorFunc:  func(s string) string { return color.New(color.FgHiRed).Sprint(s) },
		WarnFunc:   func(s string) string { return color.New(color.FgRed).Sprint(s) },
		InfoFunc:   func(s string) string { return color.New(color.FgYellow).Sprint(s) },
		DebugFunc:  func(s string) string { return color.New(color.FgWhite).Sprint(s) },
		CallerFunc: func(s string) string { return color.New(color.FgBlue).Sprint(s) },
		TimeFunc:   func(s string) string { return color.New(color.FgCyan).Sprint(s) },
	}
	logOpts = append(logOpts, lgr.Map(colorizer))

	if len(secrets) > 0 {
		logOpts = append(logOpts, lgr.Secret(secrets...))
	}
	lgr.SetupStdLogger(logOpts...)
	lgr.Setup(logOpts...)
}
