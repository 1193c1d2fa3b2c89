// watchparty is a terminal room client: it joins a room, mirrors the shared
// playback clock on a simulated player, prints chat, and can enter the
// voice call. Lines typed on stdin are sent as chat; /-commands control the
// session.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/squidx232/watchparty/internal/api"
	"github.com/squidx232/watchparty/internal/channel"
	"github.com/squidx232/watchparty/internal/config"
	"github.com/squidx232/watchparty/internal/playback"
	"github.com/squidx232/watchparty/internal/protocol"
	"github.com/squidx232/watchparty/internal/session"
)

func main() {
	var (
		roomID  = flag.String("room", "", "room id to join (empty: create a new room)")
		name    = flag.String("name", "guest", "display name")
		apiBase = flag.String("api", "http://localhost:8080", "room service base URL")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	ctx := context.Background()
	if *roomID == "" {
		meta, err := api.NewClient(*apiBase).CreateRoom(ctx, *name+"'s room")
		if err != nil {
			log.Fatal().Err(err).Msg("create room")
		}
		*roomID = meta.ID
		fmt.Printf("created room %s\n", meta.ID)
	}

	player := playback.NewSimulatedPlayer()
	sess, err := session.Join(ctx, cfg, *roomID, *name, session.Options{
		Media:  player,
		Logger: &log.Logger,
		OnState: func(st channel.State) {
			fmt.Printf("* connection: %s\n", st)
		},
		OnChat: func(m protocol.ChatMessage) {
			fmt.Printf("<%s> %s\n", m.SenderName, m.Content)
		},
		OnClosed: func(err error) {
			if err != nil {
				fmt.Printf("* session ended: %v\n", err)
			}
			os.Exit(0)
		},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("join failed")
	}
	fmt.Printf("joined room %s as %s (host: %v)\n", *roomID, *name, sess.IsHost())

	go repl(sess, player)
	<-sess.Done()
}

func repl(sess *session.Session, player *playback.SimulatedPlayer) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			if err := sess.SendChat(line); err != nil {
				fmt.Printf("! chat: %v\n", err)
			}
			continue
		}
		fields := strings.Fields(line)
		var err error
		switch fields[0] {
		case "/play":
			err = sess.Playback().Play()
		case "/pause":
			err = sess.Playback().Pause()
		case "/seek":
			if len(fields) == 2 {
				var pos float64
				if pos, err = strconv.ParseFloat(fields[1], 64); err == nil {
					err = sess.Playback().Seek(pos)
				}
			}
		case "/media":
			if len(fields) == 2 {
				err = sess.Playback().ChangeMedia(fields[1], "video")
			}
		case "/call":
			err = sess.Voice().JoinCall()
		case "/hangup":
			err = sess.Voice().LeaveCall()
		case "/mute":
			err = sess.Voice().SetMuted(true)
		case "/unmute":
			err = sess.Voice().SetMuted(false)
		case "/who":
			for _, p := range sess.Participants() {
				fmt.Printf("  %s (%s)\n", p.Name, p.Role)
			}
		case "/status":
			st := sess.Playback().State()
			fmt.Printf("  playing=%v position=%.1fs rate=%.2f local=%.1fs\n",
				st.IsPlaying, st.Position, st.Rate, player.Position())
		case "/quit":
			sess.Leave()
			return
		default:
			fmt.Println("commands: /play /pause /seek <s> /media <url> /call /hangup /mute /unmute /who /status /quit")
		}
		if err != nil {
			fmt.Printf("! %v\n", err)
		}
	}
}
