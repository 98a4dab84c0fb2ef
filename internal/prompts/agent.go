package prompts

// DirectToolCallReinforcement is appended to the newest user message on
// outbound model requests. It never enters the stored transcript.
const DirectToolCallReinforcement = "\n\nIMPORTANT: You must call the appropriate tool directly. Do not provide explanations or code examples - just call the tool with the correct parameters."

// EmptyReplyPlaceholder is shown when a turn ends with a reply that has
// no text, typically right after the model's tool calls succeeded.
const EmptyReplyPlaceholder = "Task completed."

// RetryHint follows an error report after a failed turn.
const RetryHint = "Please try again."
