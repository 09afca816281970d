package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"partnerhub/pkg/protocol"
	"partnerhub/pkg/realtime"
)

var (
	flagSendRoom uint64
	flagSendFile bool
)

// sendCmd 通过聊天协调器发送一条消息（不建立推送连接）
var sendCmd = &cobra.Command{
	Use:   "send [message]",
	Short: "Send a chat message to a room",
	Args:  cobra.MinimumNArgs(1),
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

		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Client.Timeout)
		defer cancel()

		roomID := flagSendRoom
		if roomID == 0 {
			if cs.identity.Role != protocol.RolePartner {
				return errors.New("--room is required for admins")
			}
			mine, err := cs.api.MyMessages(ctx)
			if err != nil {
				return err
			}
			roomID = mine.Room.ID
		}

		chat := realtime.NewChatCoordinator(cs.api, cs.conn, cs.identity, realtime.ChatOptions{
			PollInterval:     cfg.Chat.PollInterval,
			MaxMessageLength: cfg.Chat.MaxMessageLength,
			Logger:           logger,
		})
		defer chat.Close()

		contentType := protocol.ContentText
		if flagSendFile {
			contentType = protocol.ContentFile
		}
		entry, err := chat.Send(ctx, roomID, contentType, strings.Join(args, " "))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "sent message %d to room %d\n", entry.ID, entry.RoomID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sendCmd)
	addClientFlags(sendCmd)
	sendCmd.Flags().Uint64Var(&flagSendRoom, "room", 0, "room id (partners default to their own room)")
	sendCmd.Flags().BoolVar(&flagSendFile, "file", false, "send payload as a file reference")
}
