// Package i18n holds the fixed set of user-facing messages.
//
// The assistant serves Brazilian Portuguese users by default; English is kept
// for deployments that want it. Internal diagnostics never go through this
// package; only text that may reach an end user does.
package i18n

import (
	"fmt"
	"strings"
)

// Supported languages.
const (
	LangPtBR = "pt-BR"
	LangEN   = "en"
)

// Catalog resolves message keys for one language, falling back to pt-BR.
type Catalog struct {
	lang string
}

// New creates a catalog for the given language code.
// Unknown codes fall back to pt-BR, the language of the source corpus.
func New(lang string) *Catalog {
	switch normalize(lang) {
	case "en", "en-us", "english":
		return &Catalog{lang: LangEN}
	default:
		return &Catalog{lang: LangPtBR}
	}
}

// Language returns the resolved language code.
func (c *Catalog) Language() string { return c.lang }

// T returns the translated message for the given key.
// Falls back to pt-BR, then to the key itself.
func (c *Catalog) T(key string) string {
	if msg, ok := messages[c.lang][key]; ok {
		return msg
	}
	if msg, ok := messages[LangPtBR][key]; ok {
		return msg
	}
	return key
}

// Sprintf returns the translated and formatted message.
func (c *Catalog) Sprintf(key string, args ...any) string {
	return fmt.Sprintf(c.T(key), args...)
}

func normalize(lang string) string {
	return strings.ToLower(strings.TrimSpace(lang))
}

var messages = map[string]map[string]string{
	LangPtBR: {
		// Turn failures (abort-to-fallback)
		"fallback.model":  "Erro ao consultar a IA. Tente novamente mais tarde.",
		"fallback.empty":  "Não foi gerada uma resposta.",
		"fallback.file":   "Desculpe, ocorreu um erro ao processar o arquivo.",
		"fallback.safety": "Desculpe, não posso enviar essa resposta. Por favor, reformule sua pergunta sobre medicamentos.",

		// Transport front end
		"bot.new_session":       "Olá! Novo chat iniciado. Estou aqui para auxiliar em suas dúvidas em relação ao seu receituário!",
		"bot.unsupported_media": "Desculpe, só consigo processar texto, imagens e PDF de receituário.",
		"bot.send_error":        "Erro ao enviar resposta.",
		"bot.internal_error":    "Erro interno no bot.",

		// Attachment prompts
		"prompt.pdf":   "Este arquivo é um receituário em PDF. Extraia o texto usando OCR, descreva os itens da prescrição e pergunte ao usuário o que deseja saber sobre a receita.",
		"prompt.photo": "Analise esta imagem, que é um receituário. Responda à pergunta: %q. Se a pergunta for genérica, descreva o que você conseguiu ler da receita e pergunte o que o usuário deseja saber. Mantenha a resposta focada no tema de receituários.",
		"prompt.photo.default_caption": "Qual é o conteúdo desta imagem?",
	},
	LangEN: {
		"fallback.model":  "Error querying the AI. Please try again later.",
		"fallback.empty":  "No response was generated.",
		"fallback.file":   "Sorry, an error occurred while processing the file.",
		"fallback.safety": "Sorry, I cannot send that response. Please rephrase your medication question.",

		"bot.new_session":       "Hello! New chat started. I am here to help with questions about your prescription!",
		"bot.unsupported_media": "Sorry, I can only process text, images and prescription PDFs.",
		"bot.send_error":        "Error sending response.",
		"bot.internal_error":    "Internal bot error.",

		"prompt.pdf":   "This file is a prescription in PDF form. Extract the text using OCR, describe the prescribed items and ask the user what they want to know about the prescription.",
		"prompt.photo": "Analyze this image, which is a medical prescription. Answer the question: %q. If the question is generic, describe what you could read from the prescription and ask what the user wants to know. Keep the answer focused on prescriptions.",
		"prompt.photo.default_caption": "What is the content of this image?",
	},
}
