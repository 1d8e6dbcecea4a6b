package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kadin2048/ichat-to-eml/chatlog"
	"github.com/kadin2048/ichat-to-eml/stats"
)

var (
	topN     int
	showText bool
)

var inspectCmd = &cobra.Command{
	Use:   "inspect [chat log]",
	Short: "Decode a single chat log and show what is inside",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read log: %w", err)
		}

		format, ok := chatlog.DetectFormat(path)
		if !ok {
			format, ok = chatlog.SniffFormat(data)
		}
		if !ok {
			return fmt.Errorf("unrecognized chat log: %s", path)
		}

		dec := chatlog.Decoder{}
		conv, err := dec.Decode(path, data)
		if err != nil {
			return fmt.Errorf("decode log: %w", err)
		}

		fmt.Println("File:        ", path)
		fmt.Println("Format:      ", format)
		fmt.Println("Protocol:    ", conv.Protocol)
		fmt.Println("Participants:", strings.Join(conv.Participants, ", "))
		if len(conv.Names) > 0 {
			fmt.Println("Names:       ", strings.Join(conv.Names, ", "))
		}
		if conv.StartTime != nil {
			fmt.Println("Started:     ", conv.StartTime.Format(time.RFC3339))
		}
		if t, ok := conv.Time(); ok {
			fmt.Println("Ended:       ", t.Format(time.RFC3339))
		}
		fmt.Println("Messages:    ", len(conv.Messages))
		if conv.TotalMessages > 0 && conv.TotalMessages != len(conv.Messages) {
			fmt.Println("Recorded:    ", conv.TotalMessages)
		}

		attachments := 0
		senders := make(map[string]int)
		for i := range conv.Messages {
			msg := &conv.Messages[i]
			if msg.Attachment != nil {
				attachments++
			}
			if msg.Sender != nil && *msg.Sender != "" {
				senders[*msg.Sender]++
			}
		}
		fmt.Println("Attachments: ", attachments)

		if len(senders) > 0 {
			fmt.Printf("\nTop %d senders:\n", topN)
			stats.PrettyPrintTop(senders, topN)
		}

		if showText {
			fmt.Println()
			for i := range conv.Messages {
				msg := &conv.Messages[i]
				var line strings.Builder
				if msg.Timestamp != nil {
					line.WriteString("(" + msg.Timestamp.Format("15:04:05") + ") ")
				}
				if msg.Sender != nil {
					line.WriteString(*msg.Sender + ": ")
				}
				if msg.Text != nil {
					line.WriteString(*msg.Text)
				}
				fmt.Println(line.String())
			}
		}

		return nil
	},
}

func init() {
	inspectCmd.Flags().IntVarP(&topN, "top", "t", 10, "Number of top senders to display")
	inspectCmd.Flags().BoolVar(&showText, "text", false, "Print every message as plain text")
}

// Register attaches the subcommands to the root command.
func Register(root *cobra.Command) {
	root.AddCommand(inspectCmd)
}
