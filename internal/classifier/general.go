package classifier

import "context"

// GeneralChatFloor is the fixed confidence of the catch-all detector.
const GeneralChatFloor = 10

// GeneralChatDetector matches everything at a fixed low confidence.
type GeneralChatDetector struct{}

// NewGeneralChatDetector returns the catch-all detector.
func NewGeneralChatDetector() *GeneralChatDetector { return &GeneralChatDetector{} }

// Name implements Detector.
func (*GeneralChatDetector) Name() string { return GeneralChat }

// Detect implements Detector.
func (*GeneralChatDetector) Detect(context.Context, string, Metadata) Result {
	return Result{
		DetectorName: GeneralChat,
		Matched:      true,
		Confidence:   GeneralChatFloor,
		ScenarioTag:  GeneralChat,
		Payload:      map[string]string{},
	}
}
