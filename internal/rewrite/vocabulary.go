package rewrite

import "strings"

// Vocabulary はトークンを保持するフィールド名の判定規則。
type Vocabulary struct {
	// Names は大文字小文字を区別せず、完全一致または部分一致で判定する名前。
	Names []string `yaml:"names"`
	// Qualifiers はMarkerと組み合わせて判定する修飾語。
	Qualifiers []string `yaml:"qualifiers"`
	// Marker はQualifiersのいずれかと同時に含まれていればトークンとみなす語。
	Marker string `yaml:"marker"`
	// MinJWTLength は値をJWTとみなす最小長。
	MinJWTLength int `yaml:"min_jwt_length"`
}

// DefaultVocabulary は既定の判定規則を返す。
func DefaultVocabulary() Vocabulary {
	return Vocabulary{
		Names: []string{
			"accessToken", "refreshToken", "idToken", "token",
			"jwt", "bearerToken", "authorization",
		},
		Qualifiers:   []string{"access", "refresh", "id"},
		Marker:       "token",
		MinJWTLength: 20,
	}
}

func (v Vocabulary) normalized() Vocabulary {
	out := Vocabulary{
		Marker:       strings.ToLower(v.Marker),
		MinJWTLength: v.MinJWTLength,
	}
	for _, n := range v.Names {
		out.Names = append(out.Names, strings.ToLower(n))
	}
	for _, q := range v.Qualifiers {
		out.Qualifiers = append(out.Qualifiers, strings.ToLower(q))
	}
	if out.MinJWTLength <= 0 {
		out.MinJWTLength = DefaultVocabulary().MinJWTLength
	}
	return out
}

// matchKey はフィールド名がトークンを表すかどうかを返す。vは正規化済みであること。
func (v Vocabulary) matchKey(key string) bool {
	k := strings.ToLower(key)
	for _, n := range v.Names {
		if n != "" && strings.Contains(k, n) {
			return true
		}
	}
	if v.Marker == "" || !strings.Contains(k, v.Marker) {
		return false
	}
	for _, q := range v.Qualifiers {
		if q != "" && strings.Contains(k, q) {
			return true
		}
	}
	return false
}

// isJWT は値がJWTの形をしているかどうかを返す。
func (v Vocabulary) isJWT(s string) bool {
	return len(s) > v.MinJWTLength && strings.Count(s, ".") == 2
}
