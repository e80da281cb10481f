package admission

import "github.com/Auro-rium/aex/internal/domain"

// estimateTokens gives a conservative pre-dispatch token estimate from raw
// payload size, used only to pick a reservation amount and a rate-limit
// charge before the real usage is known. Roughly 4 bytes per token holds
// across the common tokenizers closely enough for an upper-bound estimate;
// actual settlement always uses the provider's reported usage.
func estimateTokens(payload []byte) int64 {
	n := int64(len(payload)) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// estimateReserveMicro computes the micro-unit amount to reserve for a
// request: input tokens priced at the model's input rate, plus the
// caller's requested (or the model's default) output budget priced at the
// output rate. This is deliberately an upper bound — actual settlement at
// commit time is always less than or equal to this unless the overrun
// policy is "warn".
func estimateReserveMicro(model domain.ModelInfo, payload []byte, inputTokens int64) int64 {
	outputTokens := requestedMaxTokens(payload)
	if outputTokens <= 0 {
		outputTokens = model.MaxTokens
	}
	if outputTokens <= 0 {
		outputTokens = 1024
	}
	return inputTokens*model.InputMicro + outputTokens*model.OutputMicro
}
