package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	wavesync "github.com/wavelength-chat/wavesync"
)

func init() {
	rootCmd.AddCommand(newCmd)
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(rmCmd)
}

var newCmd = &cobra.Command{
	Use:   "new <title>",
	Short: "Create a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		eng, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close()

		conv := &wavesync.Conversation{
			ID:          uuid.NewString(),
			Title:       args[0],
			TimeCreated: time.Now().Unix(),
		}
		if err := eng.coord.SaveAndSync(ctx, conv); err != nil {
			return err
		}
		fmt.Println(conv.ID)
		return nil
	},
}

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List active conversations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		eng, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close()

		convs, err := eng.store.Conversations(ctx)
		if err != nil {
			return err
		}
		if len(convs) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, c := range convs {
			fmt.Printf("%s  %s  %s\n", c.ID, formatUnix(c.TimeCreated), c.Title)
		}
		return nil
	},
}

var logCmd = &cobra.Command{
	Use:   "log <conversation-id>",
	Short: "Show a conversation's messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		eng, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close()

		msgs, err := eng.store.Messages(ctx, args[0])
		if err != nil {
			return err
		}
		for _, m := range msgs {
			fmt.Printf("[%s] %s: %s\n", formatUnix(m.TimeCreated), m.Role, m.Content)
		}
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text>",
	Short: "Send a message",
	Long:  "Persist a message locally and push it to the backend.\nPush failures are retried on the next sync.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		eng, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close()

		msg := &wavesync.Message{
			ID:             uuid.NewString(),
			ConversationID: args[0],
			Role:           "user",
			Content:        args[1],
			TimeCreated:    time.Now().Unix(),
		}
		if err := eng.coord.SaveAndSync(ctx, msg); err != nil {
			return err
		}
		fmt.Println(msg.ID)
		return nil
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm <conversation-id>",
	Short: "Remove a conversation",
	Long:  "Tombstone a conversation so the deletion propagates to other devices.\nThe record stays in local storage until purged.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		eng, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close()

		convs, err := eng.store.Conversations(ctx)
		if err != nil {
			return err
		}
		for _, c := range convs {
			if c.ID == args[0] {
				c.Removed = time.Now().Unix()
				return eng.coord.SaveAndSync(ctx, c)
			}
		}
		return fmt.Errorf("no active conversation %s", args[0])
	},
}
