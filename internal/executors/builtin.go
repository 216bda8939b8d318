package executors

// BuiltinConfig carries the settings of the reference executors.
type BuiltinConfig struct {
	Message  MessageConfig
	Document DocumentConfig
	Invoice  InvoiceConfig
}

// RegisterBuiltins registers message.send, document.compile and
// invoice.upsert. The stub is always available as the fallback.
func RegisterBuiltins(reg *Registry, cfg BuiltinConfig) error {
	all := []Executor{
		NewMessageSend(cfg.Message),
		NewDocumentCompile(cfg.Document),
		NewInvoiceUpsert(cfg.Invoice),
	}
	for _, e := range all {
		if err := reg.Register(e); err != nil {
			return err
		}
	}
	return nil
}
