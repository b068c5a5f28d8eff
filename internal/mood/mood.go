package mood

import "strings"

// Mood is a coarse emotional classification inferred from recent user
// utterances. It only biases the wording of silence-escalation prompts, so a
// cheap keyword match is deliberate.
type Mood string

const (
	Happy      Mood = "happy"
	Sad        Mood = "sad"
	Anxious    Mood = "anxious"
	Frustrated Mood = "frustrated"
	Calm       Mood = "calm"
	Excited    Mood = "excited"
	Tired      Mood = "tired"
	Neutral    Mood = "neutral"
)

// priority is the fixed match order: the first mood whose keyword appears in
// any of the inspected utterances wins.
var priority = []Mood{Sad, Frustrated, Anxious, Tired, Excited, Happy, Calm}

var keywords = map[Mood][]string{
	Sad:        {"悲しい", "かなしい", "つらい", "辛い", "寂しい", "さみしい", "泣き", "落ち込", "sad", "lonely", "down", "miserable"},
	Frustrated: {"イライラ", "いらいら", "むかつく", "腹立", "最悪", "うんざり", "frustrated", "annoyed", "angry"},
	Anxious:    {"不安", "心配", "緊張", "こわい", "怖い", "ドキドキ", "anxious", "worried", "nervous"},
	Tired:      {"疲れ", "つかれ", "眠い", "ねむい", "だるい", "しんどい", "くたくた", "tired", "exhausted", "sleepy"},
	Excited:    {"楽しみ", "ワクワク", "わくわく", "待ちきれ", "excited", "thrilled"},
	Happy:      {"嬉しい", "うれしい", "楽しい", "たのしい", "最高", "よかった", "幸せ", "happy", "glad", "great"},
	Calm:       {"落ち着", "穏やか", "のんびり", "ゆっくり", "平和", "calm", "relaxed", "peaceful"},
}

// Infer classifies the given utterances (most recent few user turns).
// Returns Neutral when nothing matches.
func Infer(utterances []string) Mood {
	if len(utterances) == 0 {
		return Neutral
	}
	joined := strings.ToLower(strings.Join(utterances, "\n"))
	for _, m := range priority {
		for _, kw := range keywords[m] {
			if strings.Contains(joined, strings.ToLower(kw)) {
				return m
			}
		}
	}
	return Neutral
}

// Hint returns a short emotional-context phrase woven into the deep-silence
// prompt so the model's open question lands with the right tone.
func Hint(m Mood) string {
	switch m {
	case Sad:
		return "相手は少し悲しそうです。寄り添うように、"
	case Frustrated:
		return "相手は苛立っているようです。受け止めるように、"
	case Anxious:
		return "相手は不安そうです。安心させるように、"
	case Tired:
		return "相手は疲れているようです。労わるように、"
	case Excited:
		return "相手は何かを楽しみにしているようです。一緒に喜ぶように、"
	case Happy:
		return "相手は嬉しそうです。明るく、"
	case Calm:
		return "相手は落ち着いているようです。静かなトーンで、"
	default:
		return ""
	}
}
