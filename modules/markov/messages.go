package markov

// User-facing replies. Internal error detail never reaches these strings.
const (
	messageNothingLearned     = "[no phrases learnt]"
	messageLearningEnabled    = "Learning enabled."
	messageLearningDisabled   = "Learning disabled."
	messageDatabaseCleared    = "Database cleared."
	messageCommandFailed      = "Command failed, please try again later."
	messageInsufficientRights = "Insufficient permissions! Did you remember to add me as an admin?"
)
