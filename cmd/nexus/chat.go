package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	nexus "github.com/phongnd2802/nexus-collaboration-sub002"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// conversations
	conversationsTeam   bool
	conversationsSearch string
	conversationsJSON   bool

	// messages
	messagesLimit int
	messagesJSON  bool

	// send
	sendJSON bool

	// unread
	unreadJSON bool
)

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List direct or team conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, id := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		list := nexus.NewConversationList(id.UserID, offlineChannel{}, nexus.ListConfig{Logger: logger})
		defer list.Close()
		if err := list.Load(ctx, client); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		res := list.Search(conversationsSearch)
		rows := res.Direct
		if conversationsTeam {
			rows = res.Team
		}

		if conversationsJSON {
			return printJSON(rows)
		}
		if len(rows) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}

		for _, c := range rows {
			unread := ""
			if c.UnreadCount > 0 {
				unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
			}
			fmt.Printf("  %-24s %-20s %s%s\n", c.Key.String(), truncate(valueOrDefault(c.Name, "-"), 20), formatTime(c.LastMessageAt), unread)
			if c.LastMessagePreview != "" {
				fmt.Printf("      %s\n", truncate(c.LastMessagePreview, 60))
			}
		}
		return nil
	},
}

// offlineChannel lets the list be used for a one-shot REST snapshot.
type offlineChannel struct{}

func (offlineChannel) State() nexus.ConnectionState { return nexus.StateDisconnected }
func (offlineChannel) Emit(string, any) bool        { return false }
func (offlineChannel) On(string, nexus.InboundHandler) nexus.Subscription {
	return noSubscription{}
}
func (offlineChannel) OnState(func(nexus.ConnectionState)) nexus.Subscription {
	return noSubscription{}
}

type noSubscription struct{}

func (noSubscription) Unsubscribe() {}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <user-id | team:project-id>",
	Short: "Show the history of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := nexus.ParseConversationKey(args[0])
		if err != nil {
			return err
		}
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		msgs, err := client.History(ctx, key)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if messagesLimit > 0 && len(msgs) > messagesLimit {
			msgs = msgs[len(msgs)-messagesLimit:]
		}

		if messagesJSON {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages found.")
			return nil
		}
		for _, m := range msgs {
			printMessage(m)
		}
		return nil
	},
}

func printMessage(m nexus.Message) {
	from := m.SenderID
	if m.Sender != nil && m.Sender.Name != "" {
		from = m.Sender.Name
	}
	suffix := ""
	if m.Status == nexus.StatusFailed {
		suffix = "  (failed)"
	}
	fmt.Printf("[%s] %s: %s%s\n", formatTime(m.CreatedAt), from, m.Content, suffix)
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <user-id | team:project-id> <message>",
	Short: "Send a message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := nexus.ParseConversationKey(args[0])
		if err != nil {
			return err
		}
		content := strings.TrimSpace(args[1])
		if content == "" {
			return nexus.ErrEmptyMessage
		}
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		msg, err := client.Send(ctx, key, content)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if sendJSON {
			return printJSON(msg)
		}
		fmt.Printf("Message sent to %s\n", key)
		fmt.Printf("  Message ID: %s\n", msg.ID)
		fmt.Printf("  Content:    %s\n", msg.Content)
		return nil
	},
}

// ============================================================================
// unread
// ============================================================================

var unreadCmd = &cobra.Command{
	Use:   "unread",
	Short: "Show unread direct message counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		summary, err := client.Unread(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if unreadJSON {
			return printJSON(summary)
		}

		fmt.Printf("Unread: %d\n", summary.UnreadCount)
		for _, s := range summary.UnreadBySender {
			fmt.Printf("  %-24s %d\n", s.SenderID, s.Count)
		}
		return nil
	},
}

// ============================================================================
// watch
// ============================================================================

var watchCmd = &cobra.Command{
	Use:   "watch <user-id | team:project-id>",
	Short: "Open a conversation live; lines typed on stdin are sent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := nexus.ParseConversationKey(args[0])
		if err != nil {
			return err
		}
		client, id := getClient()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		notifier := nexus.NotifierFunc(func(n nexus.Notification) {
			fmt.Fprintf(os.Stderr, "* %s: %s\n", n.Title, truncate(n.Body, 80))
		})
		session := nexus.NewSession(client, sessionConfig(cfg, notifier))
		defer session.Close()

		var subs nexus.Subscriptions
		defer subs.Release()
		subs.Add(session.Subscribe(nexus.LocalMessagesChanged, newMessagePrinter(key)))
		subs.Add(session.Subscribe(nexus.LocalStateChanged, func(_ string, p any) {
			fmt.Fprintf(os.Stderr, "* channel %s\n", p)
		}))
		subs.Add(session.Subscribe(nexus.LocalDegradedChanged, func(_ string, p any) {
			if p.(bool) {
				fmt.Fprintln(os.Stderr, "* live updates unavailable, polling")
			} else {
				fmt.Fprintln(os.Stderr, "* live updates restored")
			}
		}))
		subs.Add(session.Subscribe(nexus.LocalTypingChanged, func(_ string, p any) {
			if ev := p.(nexus.TypingEvent); ev.IsTyping {
				fmt.Fprintf(os.Stderr, "* %s is typing...\n", ev.Key.UserID)
			}
		}))

		if err := session.SetIdentity(ctx, id); err != nil {
			logger.Warn("conversation list unavailable", "error", err)
		}
		if err := session.OpenConversation(ctx, key); err != nil {
			return err
		}

		lines := make(chan string)
		go func() {
			defer close(lines)
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					<-ctx.Done()
					return nil
				}
				if err := session.Send(ctx, line); err != nil && !errors.Is(err, nexus.ErrEmptyMessage) {
					fmt.Fprintf(os.Stderr, "* send failed: %v\n", err)
				}
			}
		}
	},
}

// newMessagePrinter prints each confirmed message of key once.
func newMessagePrinter(key nexus.ConversationKey) nexus.EventHandler {
	var mu sync.Mutex
	printed := make(map[string]struct{})
	return func(_ string, payload any) {
		ev := payload.(nexus.MessagesEvent)
		if ev.Key != key {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		for _, m := range ev.Messages {
			if m.Status == nexus.StatusPending {
				continue
			}
			if _, ok := printed[m.ID]; ok {
				continue
			}
			printed[m.ID] = struct{}{}
			printMessage(m)
		}
	}
}

func init() {
	conversationsCmd.Flags().BoolVar(&conversationsTeam, "team", false, "List team conversations instead of direct ones")
	conversationsCmd.Flags().StringVarP(&conversationsSearch, "search", "s", "", "Filter by name, email, description or last message")
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output raw JSON")

	messagesCmd.Flags().IntVarP(&messagesLimit, "limit", "n", 0, "Show only the last n messages")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output raw JSON")

	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output raw JSON")

	unreadCmd.Flags().BoolVar(&unreadJSON, "json", false, "Output raw JSON")

	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(unreadCmd)
	rootCmd.AddCommand(watchCmd)
}
