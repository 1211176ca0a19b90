package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/theapemachine/mnemo/pkg/memory"
)

var (
	chatUser    string
	chatAgent   string
	chatPersona string

	chatCmd = &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive conversation with memory",
		Long:  longChat,
		RunE:  runChat,
	}
)

func init() {
	chatCmd.Flags().StringVar(&chatUser, "user", "local", "user id to converse as")
	chatCmd.Flags().StringVar(&chatAgent, "agent", "assistant", "agent id")
	chatCmd.Flags().StringVar(&chatPersona, "persona", "", "persona override for the assistant")

	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime()

	if err != nil {
		return err
	}

	defer rt.Close()

	persona := chatPersona

	if persona == "" {
		persona = viper.GetString("chat.persona")
	}

	fmt.Println("mnemo chat - type /quit to end the session")

	var (
		sessionID string
		scanner   = bufio.NewScanner(os.Stdin)
	)

	for {
		fmt.Print("> ")

		if !scanner.Scan() {
			break
		}

		line := strings.TrimSpace(scanner.Text())

		if line == "" {
			continue
		}

		if line == "/quit" || line == "/exit" {
			break
		}

		options := memory.DefaultChatOptions()
		options.Persona = persona

		resp, err := rt.controller.Chat(cmd.Context(), memory.ChatRequest{
			UserID:    chatUser,
			AgentID:   chatAgent,
			SessionID: sessionID,
			Message:   line,
			Options:   options,
		})

		if err != nil {
			log.Error("turn failed", "error", err)
			continue
		}

		sessionID = resp.SessionID

		fmt.Println(resp.Reply)

		if len(resp.MemoriesUsed) > 0 {
			log.Debug("context used", "memories", len(resp.MemoriesUsed))
		}
	}

	// Ending the session runs a final extraction over the buffer.
	if sessionID != "" {
		if err := rt.controller.EndSession(cmd.Context(), sessionID); err != nil {
			log.Warn("session cleanup failed", "error", err)
		}
	}

	return scanner.Err()
}

var longChat = `
Start an interactive chat session. Conversation turns are answered with
retrieved memory context; finished windows are distilled into long-term
memories in the background, and ending the session (/quit) runs a final
extraction pass.
`
