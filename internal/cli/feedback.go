package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/massmailer/internal/mailer"
)

// NewFeedbackCommand creates the feedback command.
func NewFeedbackCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "feedback <delivered|bounced|complained> <mail-id>",
		Short: "Record delivery feedback for a sent message",
		Long: `Record delivery feedback for a sent message.

A sent message can become delivered, bounced or complained. A delivered
message can still become bounced or complained. Bounced and complained
are final.`,
		Example:       `  massmailer feedback bounced 01928c3e-5f7a-7b6e-9a1d-3c4b5e6f7a8b`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			state, err := mailer.ParseState(args[0])
			if err != nil {
				return outputError(a.formatter, ExitCommandError, ErrCodeInput, err.Error())
			}
			mailID := args[1]
			if err := a.engine().RecordFeedback(cmd.Context(), mailID, state); err != nil {
				return a.fail(err)
			}
			return a.formatter.Success(feedbackResult{Mail: mailID, State: state.String()})
		},
	}
}

type feedbackResult struct {
	Mail  string `json:"mail"`
	State string `json:"state"`
}

func (r feedbackResult) WriteText(w io.Writer) {
	fmt.Fprintf(w, "✓ %s is now %s\n", r.Mail, r.State)
}
