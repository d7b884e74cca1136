package engine

// DetectConfig holds parameters for backend detection.
type DetectConfig struct {
	OllamaBaseURL string
	Guard         GuardConfig
	Observer      CallObserver
}

// Detect returns the inference backend wrapped in its call guard. Ollama is
// the only backend.
func Detect(cfg DetectConfig) (*Guarded, error) {
	return NewGuarded(NewOllamaEngine(cfg.OllamaBaseURL), cfg.Guard, cfg.Observer), nil
}
