package i18n

import (
	"strings"

	"golang.org/x/text/language"
)

const (
	English = "en"
	Persian = "fa"
)

var matcher = language.NewMatcher([]language.Tag{language.English, language.Persian})

var translations = map[string]map[string]string{
	Persian: {
		"invalid request":                                "درخواست نامعتبر است",
		"failed to generate token":                       "خطا در تولید توکن",
		"missing authorization token":                    "توکن احراز هویت ارسال نشده است",
		"invalid token":                                  "توکن نامعتبر است",
		"failed to validate user":                        "خطا در اعتبارسنجی کاربر",
		"user not found":                                 "کاربر یافت نشد",
		"unauthorized":                                   "دسترسی غیرمجاز",
		"operation not permitted":                        "دسترسی غیرمجاز",
		"user_id query parameter required":               "پارامتر user_id الزامی است",
		"invalid user_id":                                "user_id نامعتبر است",
		"invalid message id":                             "شناسه پیام نامعتبر است",
		"message not found":                              "پیام یافت نشد",
		"failed to send message":                         "ارسال پیام ناموفق بود",
		"store unavailable":                              "سرویس موقتا در دسترس نیست، دوباره تلاش کنید",
		"message content is empty":                       "متن پیام خالی است",
		"message content is too long":                    "متن پیام بیش از حد طولانی است",
		"cannot send a message to yourself":              "نمی توانید به خودتان پیام دهید",
		"recipient is required":                          "گیرنده الزامی است",
		"unknown recipient":                              "گیرنده یافت نشد",
		"invalid peer":                                   "کاربر مقابل نامعتبر است",
		"scope must be self or everyone":                 "دامنه حذف باید self یا everyone باشد",
		"cannot add yourself as a contact":               "نمی توانید خودتان را به مخاطبین اضافه کنید",
		"cannot block yourself":                          "نمی توانید خودتان را مسدود کنید",
		"incomplete push subscription":                   "اشتراک اعلان ناقص است",
		"push notifications are disabled":                "اعلان ها غیرفعال هستند",
		"failed to fetch messages":                       "خطا در دریافت پیام ها",
		"failed to fetch conversations":                  "خطا در دریافت مکالمه ها",
		"failed to fetch users":                          "خطا در دریافت کاربران",
		"failed to fetch profile":                        "خطا در دریافت پروفایل",
		"failed to update profile":                       "خطا در به روزرسانی پروفایل",
		"websocket upgrade failed":                       "خطا در برقراری اتصال وب سوکت",
		"rate limiter error":                             "خطا در محدودسازی درخواست ها",
		"rate limit exceeded":                            "تعداد درخواست ها بیش از حد مجاز است",
		"internal server error":                          "خطای داخلی سرور",
		"not found":                                      "یافت نشد",
		"last_seen must be everyone, contacts or nobody": "مقدار last_seen باید everyone، contacts یا nobody باشد",
		"username must be between 3 and 32 characters":   "نام کاربری باید بین ۳ تا ۳۲ کاراکتر باشد",
		"username can only contain letters, numbers, and underscores": "نام کاربری فقط می تواند شامل حروف، اعداد و زیرخط باشد",
		"password must be at least 6 characters":                      "رمز عبور باید حداقل ۶ کاراکتر باشد",
		"username already exists":                                     "این نام کاربری قبلا ثبت شده است",
		"invalid username or password":                                "نام کاربری یا رمز عبور اشتباه است",
	},
}

var prefixTranslations = map[string]map[string]string{
	Persian: {
		"failed to hash password:":  "خطا در پردازش رمز عبور",
		"failed to register user:":  "خطا در ثبت نام کاربر",
		"failed to query user:":     "خطا در دریافت اطلاعات کاربر",
		"failed to generate token:": "خطا در تولید توکن",
		"invalid token:":            "توکن نامعتبر است",
		"unknown event type":        "نوع رویداد ناشناخته است",
		"unknown signal":            "نوع سیگنال ناشناخته است",
		"too many message ids":      "تعداد شناسه های پیام بیش از حد مجاز است",
	},
}

// FromAcceptLanguage picks the best supported language for an
// Accept-Language header. English is the fallback.
func FromAcceptLanguage(header string) string {
	if header == "" {
		return English
	}
	tags, _, err := language.ParseAcceptLanguage(header)
	if err != nil || len(tags) == 0 {
		return English
	}
	_, index, confidence := matcher.Match(tags...)
	if confidence == language.No || index != 1 {
		return English
	}
	return Persian
}

// Translate returns message in lang, or message itself when no translation
// exists.
func Translate(lang, message string) string {
	if translated, ok := translations[lang][message]; ok {
		return translated
	}
	for prefix, translated := range prefixTranslations[lang] {
		if strings.HasPrefix(message, prefix) {
			return translated
		}
	}
	return message
}
