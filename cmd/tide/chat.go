package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	tide "github.com/tidechat/tide-go"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// conversations
	conversationsUnread bool
	conversationsJSON   bool

	// messages
	messagesLimit int
	messagesJSON  bool

	// send
	sendReplyTo string
	sendJSON    bool
)

// ============================================================================
// tide conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		raw, err := client.ListConversations(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if conversationsJSON {
			data, _ := json.MarshalIndent(raw, "", "  ")
			fmt.Println(string(data))
			return nil
		}

		shown := 0
		for _, rc := range raw {
			if conversationsUnread && rc.UnreadCount == 0 {
				continue
			}
			shown++
			marker := " "
			if rc.UnreadCount > 0 {
				marker = "*"
			}
			name := rc.Name
			if name == "" && len(rc.Participants) > 0 {
				names := make([]string, 0, len(rc.Participants))
				for _, p := range rc.Participants {
					if p.ID != cfg.User.ID {
						names = append(names, p.Username)
					}
				}
				name = strings.Join(names, ", ")
			}
			fmt.Printf("%s %-24s  %-8s  unread=%d  %s\n",
				marker, rc.ID, rc.Type, rc.UnreadCount, name)
		}
		if shown == 0 {
			fmt.Println("No conversations.")
		}
		return nil
	},
}

// ============================================================================
// tide messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Show messages in a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()
		convID := args[0]

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		raw, err := client.GetMessages(ctx, convID)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if messagesJSON {
			data, _ := json.MarshalIndent(raw, "", "  ")
			fmt.Println(string(data))
			return nil
		}

		if messagesLimit > 0 && len(raw) > messagesLimit {
			raw = raw[len(raw)-messagesLimit:]
		}

		for _, rm := range raw {
			who := "unknown"
			if rm.Sender != nil {
				who = rm.Sender.Username
				if rm.Sender.ID == cfg.User.ID {
					who = "me"
				}
			}
			status := rm.Status
			if status == "" {
				status = "sent"
			}
			fmt.Printf("[%s] %-12s (%s): %s\n", rm.CreatedAt, who, status, rm.Content)
			if len(rm.Files) > 0 {
				for _, f := range rm.Files {
					fmt.Printf("    attachment: %s (%s)\n", f.Name, f.MimeType)
				}
			}
		}
		if len(raw) == 0 {
			fmt.Println("No messages.")
		}
		return nil
	},
}

// ============================================================================
// tide send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <content>",
	Short: "Send a message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()
		convID, content := args[0], args[1]

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		raw, err := client.SendMessage(ctx, convID, tide.SendMessageRequest{
			Content:   content,
			ReplyToID: sendReplyTo,
		})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if sendJSON {
			data, _ := json.MarshalIndent(raw, "", "  ")
			fmt.Println(string(data))
			return nil
		}

		fmt.Printf("Sent %s\n", raw.ID)
		return nil
	},
}

func init() {
	conversationsCmd.Flags().BoolVar(&conversationsUnread, "unread", false, "Only show conversations with unread messages")
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output raw JSON")
	rootCmd.AddCommand(conversationsCmd)

	messagesCmd.Flags().IntVar(&messagesLimit, "limit", 50, "Maximum messages to show (0 = all)")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output raw JSON")
	rootCmd.AddCommand(messagesCmd)

	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "Message id to reply to")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output raw JSON")
	rootCmd.AddCommand(sendCmd)
}
