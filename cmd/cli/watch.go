package cli

import (
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"partnerhub/pkg/protocol"
	"partnerhub/pkg/realtime"
)

var flagWatchRoom uint64

// watchCmd 以给定身份连接推送通道并打印实时事件
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Connect to the push hub and print live chat, session and AI activity events",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := logrus.StandardLogger()
		cs, err := newClientSession(cfg, logger)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		cs.conn.OnStateChange(func(ch realtime.StateChange) {
			if ch.Err != nil {
				fmt.Fprintf(out, "[%s] connection %s (epoch %d): %v\n", stamp(ch.At), ch.State, ch.Epoch, ch.Err)
				return
			}
			fmt.Fprintf(out, "[%s] connection %s (epoch %d)\n", stamp(ch.At), ch.State, ch.Epoch)
		})
		cs.conn.Subscribe(protocol.TypeSystem, func(env protocol.Envelope) {
			var notice protocol.SystemNotice
			if err := env.Decode(&notice); err == nil {
				fmt.Fprintf(out, "[%s] system %s %s\n", stamp(time.Now()), notice.Event, notice.Message)
			}
		})

		chat := realtime.NewChatCoordinator(cs.api, cs.conn, cs.identity, realtime.ChatOptions{
			PollInterval:      cfg.Chat.PollInterval,
			HeartbeatInterval: cfg.Realtime.HeartbeatInterval,
			MaxMessageLength:  cfg.Chat.MaxMessageLength,
			Logger:            logger,
		})
		defer chat.Close()
		chat.OnChange(func(roomID uint64) {
			printLatest(out, chat.Messages(roomID))
		})

		sessions := realtime.NewRemoteSessionCoordinator(cs.api, cs.conn, cs.identity, logger)
		defer sessions.Close()
		sessions.OnChange(func(s protocol.RemoteSession) {
			fmt.Fprintf(out, "[%s] session %s partner=%s status=%s %s\n", stamp(time.Now()), s.ID, s.PartnerID, s.Status, s.EndReason)
		})

		if cs.identity.Role == protocol.RoleAdmin {
			feed := realtime.NewActivityFeedAggregator()
			// reseeded from the dashboard on every (re)connect
			feed.Attach(cs.conn, cs.api)
			defer feed.Detach()
			cs.conn.Subscribe(protocol.TypeAIActivity, func(env protocol.Envelope) {
				var ev protocol.ActivityEvent
				if err := env.Decode(&ev); err == nil {
					fmt.Fprintf(out, "[%s] ai %s %s partner=%s\n", stamp(ev.Timestamp), ev.Type, ev.Status, ev.PartnerID)
				}
			})
			cs.conn.Subscribe(protocol.TypeAIStats, func(env protocol.Envelope) {
				var s protocol.StatsSnapshot
				if err := env.Decode(&s); err == nil {
					fmt.Fprintf(out, "[%s] stats active=%d queued=%d completed=%d success=%.2f avg=%.0fms buffered=%d\n",
						stamp(s.GeneratedAt), s.ActiveWorkers, s.QueuedTasks, s.CompletedToday, s.SuccessRate, s.AvgProcessingTime, feed.Len())
				}
			})
		}

		if err := cs.conn.Connect(cs.identity); err != nil {
			return err
		}
		defer cs.conn.Close()

		if flagWatchRoom > 0 {
			chat.Select(flagWatchRoom)
			if entries, err := chat.LoadMessages(ctx, flagWatchRoom); err != nil {
				logger.Warnf("load room %d: %v", flagWatchRoom, err)
			} else {
				for _, e := range entries {
					printEntry(out, e)
				}
			}
		}

		<-ctx.Done()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
	addClientFlags(watchCmd)
	watchCmd.Flags().Uint64Var(&flagWatchRoom, "room", 0, "room id to load history for and follow")
}

func printLatest(w io.Writer, entries []realtime.Entry) {
	if len(entries) == 0 {
		return
	}
	printEntry(w, entries[len(entries)-1])
}

func printEntry(w io.Writer, e realtime.Entry) {
	fmt.Fprintf(w, "[%s] room %d %s (%s): %s\n", stamp(e.CreatedAt), e.RoomID, e.SenderID, e.Status, e.Payload)
}

func stamp(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.Local().Format("15:04:05")
}
