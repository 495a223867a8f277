package engine

// Interviewer supplies external input when a run parks on a suspend stage
// in run-to-completion mode. Streaming hosts bypass this entirely and call
// Stepper.Resume themselves.
type Interviewer interface {
	Ask(question Question) Answer
	Inform(message string, stage string)
}

// Question carries the pipeline's open clarification prompts.
type Question struct {
	Stage   string
	Prompts []string
}

type Answer struct {
	Text     string
	TimedOut bool
	Skipped  bool
}

// AutoContinueInterviewer skips every question, so suspended runs proceed
// without external input. Default for unattended runs.
type AutoContinueInterviewer struct{}

func (i *AutoContinueInterviewer) Ask(q Question) Answer { return Answer{Skipped: true} }

func (i *AutoContinueInterviewer) Inform(message string, stage string) {
	// No-op for unattended runs.
}

// QueueInterviewer replays canned answers in order. Test helper; once the
// queue drains, remaining questions are skipped.
type QueueInterviewer struct {
	Answers []string
	Asked   []Question
	Informs []string
}

func (i *QueueInterviewer) Ask(q Question) Answer {
	i.Asked = append(i.Asked, q)
	if len(i.Answers) == 0 {
		return Answer{Skipped: true}
	}
	ans := i.Answers[0]
	i.Answers = i.Answers[1:]
	return Answer{Text: ans}
}

func (i *QueueInterviewer) Inform(message string, stage string) {
	i.Informs = append(i.Informs, stage+": "+message)
}
