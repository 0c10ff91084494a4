package domain

import (
	"regexp"
	"strings"

	"github.com/kyungseok/payment-reconciliation/common/errors"
)

// CardType 카드사
type CardType string

const (
	CardTypeSamsung CardType = "SAMSUNG"
	CardTypeKB      CardType = "KB"
	CardTypeHyundai CardType = "HYUNDAI"
)

// Valid 지원하는 카드사인지 확인
func (t CardType) Valid() bool {
	switch t {
	case CardTypeSamsung, CardTypeKB, CardTypeHyundai:
		return true
	}
	return false
}

var cardNoPattern = regexp.MustCompile(`^\d{4}-\d{4}-\d{4}-\d{4}$`)

const visibleDigits = 4

// CardInfo 카드 정보
// 원본 번호는 입력 시점에만 존재하며 저장되는 것은 마스킹된 번호뿐이다.
type CardInfo struct {
	cardType CardType
	masked   string
	number   string
}

// NewCardInfo 입력된 카드 번호로 카드 정보 생성
func NewCardInfo(cardType CardType, cardNo string) (CardInfo, error) {
	if !cardType.Valid() {
		return CardInfo{}, errors.Newf(errors.ErrCodeValidation, "지원하지 않는 카드사입니다: %s", cardType)
	}
	if !cardNoPattern.MatchString(cardNo) {
		return CardInfo{}, errors.New(errors.ErrCodeValidation, "카드 번호는 xxxx-xxxx-xxxx-xxxx 형식이어야 합니다")
	}

	return CardInfo{
		cardType: cardType,
		masked:   maskCardNo(cardNo),
		number:   cardNo,
	}, nil
}

// RestoreCardInfo 저장된 마스킹 정보로 복원 (원본 번호 없음)
func RestoreCardInfo(cardType CardType, masked string) CardInfo {
	return CardInfo{cardType: cardType, masked: masked}
}

// Type 카드사
func (c CardInfo) Type() CardType { return c.cardType }

// Masked 마스킹된 카드 번호
func (c CardInfo) Masked() string { return c.masked }

// Number PG 요청용 원본 번호 (저장소에서 복원한 경우 빈 문자열)
func (c CardInfo) Number() string { return c.number }

// IsEmpty 카드 정보가 없는지 확인
func (c CardInfo) IsEmpty() bool { return c.cardType == "" }

func maskCardNo(cardNo string) string {
	digits := strings.ReplaceAll(cardNo, "-", "")
	return strings.Repeat("*", len(digits)-visibleDigits) + digits[len(digits)-visibleDigits:]
}
