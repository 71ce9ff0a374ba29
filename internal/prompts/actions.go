package prompts

import "fmt"

// translateTemplate asks for a faithful translation. Format verbs: 1
// target language name, 2 text.
const translateTemplate = `Translate the following message into %s. Keep Markdown formatting, code blocks, formulas and links unchanged. Reply with the translation only.

%s`

// TranslatePrompt returns the prompt for the translate action.
func TranslatePrompt(text, language string) string {
	return fmt.Sprintf(translateTemplate, language, text)
}

// latexFixTemplate asks the model to repair a document the compiler
// rejected. Format verbs: 1 compiler output, 2 document.
const latexFixTemplate = `This LaTeX document fails to compile. Fix it. Reply with the complete corrected document only, in a ` + "```latex" + ` block.

Compiler output:
%s

Document:
%s`

// LatexFixPrompt returns the prompt used to repair a failing LaTeX
// document.
func LatexFixPrompt(document, compileError string) string {
	return fmt.Sprintf(latexFixTemplate, compileError, document)
}

// describeImageTemplate asks the vision backend to turn an image into
// text for a text-only tool. The format verb is the user's caption.
const describeImageTemplate = `Describe this image precisely so that someone who cannot see it can act on it. Transcribe any text, formulas or code exactly. The user's caption was: %q`

// DescribeImagePrompt returns the prompt used before handing an image
// to a pinned text tool.
func DescribeImagePrompt(caption string) string {
	return fmt.Sprintf(describeImageTemplate, caption)
}

// TraceSummaryHeader introduces the list of server-side tools a pinned
// backend reported.
const TraceSummaryHeader = "Tools used:"
