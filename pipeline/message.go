package pipeline

import (
	"context"
	"fmt"
	"unicode/utf8"

	"go.uber.org/zap"

	"skald/model"
)

func resultBody(command string, res model.AttemptResult, output string) string {
	return fmt.Sprintf("\nCommand: %s\nReturn value: %d\nDuration: %.2f seconds\nOutput:\n%s",
		command, res.ExitStatus, res.Duration.Seconds(), output)
}

// inlineOutput trims output to the inline limit. The full text goes to the
// archive when one is configured.
func (p *Pipeline) inlineOutput(ctx context.Context, a *attempt, output string) string {
	limit := p.InlineOutputLimit
	if limit <= 0 || len(output) <= limit {
		return output
	}
	head := runeHead(output, limit)
	if p.Archive == nil {
		return fmt.Sprintf("%s\n[output truncated, %d bytes omitted]\n", head, len(output)-len(head))
	}
	loc, err := p.Archive.PutOutput(ctx, a.task.Request.ID, a.task.Attempt, output)
	if err != nil {
		a.log.Warn("archive output", zap.Error(err))
		return fmt.Sprintf("%s\n[output truncated, %d bytes omitted]\n", head, len(output)-len(head))
	}
	return fmt.Sprintf("%s\n[output truncated, full output at %s]\n", head, loc)
}

// runeHead returns at most limit bytes of s without splitting a UTF-8
// sequence.
func runeHead(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
