package mailer

// Inline-styled HTML so the digest renders the same across mail clients.

const digestTemplate = `<!DOCTYPE html>
<html>
<body style="margin:0;padding:0;background-color:#f4f5f7;font-family:-apple-system,Segoe UI,Roboto,Helvetica,Arial,sans-serif;color:#1f2933;">
<div style="max-width:680px;margin:0 auto;padding:24px;">
  <div style="background:#111827;color:#ffffff;border-radius:8px 8px 0 0;padding:24px;">
    <h1 style="margin:0;font-size:22px;">Your {{ mode_title }} AI Digest</h1>
    {% if headline != "" and headline %}<p style="margin:12px 0 0;font-size:15px;color:#d1d5db;">{{ headline | escape }}</p>{% endif %}
  </div>
  <div style="background:#ffffff;border-radius:0 0 8px 8px;padding:24px;">
    {% if short_message != "" and short_message %}<p style="font-size:14px;color:#4b5563;">{{ short_message | escape }}</p>{% endif %}
    {% if what_happened != "" and what_happened %}
    <h2 style="font-size:16px;border-bottom:1px solid #e5e7eb;padding-bottom:6px;">What happened</h2>
    <p style="font-size:14px;">{{ what_happened | escape }}</p>
    {% endif %}
    {% if key_themes and key_themes.size > 0 %}
    <h2 style="font-size:16px;border-bottom:1px solid #e5e7eb;padding-bottom:6px;">Key themes</h2>
    <ul style="font-size:14px;padding-left:20px;">
      {% for theme in key_themes %}<li>{{ theme | escape }}</li>{% endfor %}
    </ul>
    {% endif %}

    {% for item in summaries %}
    <div style="border:1px solid #e5e7eb;border-radius:6px;padding:16px;margin:16px 0;">
      <h3 style="margin:0 0 4px;font-size:16px;color:#111827;">{{ item.title | escape }}</h3>
      <p style="margin:0 0 10px;font-size:12px;color:#6b7280;">From {{ item.sender | escape }} &middot; {{ item.date }}{% if item.category %} &middot; {{ item.category | titlecase }}{% endif %}</p>
      <p style="font-size:14px;line-height:1.5;">{{ item.summary | escape }}</p>
      {% if item.key_insights and item.key_insights.size > 0 %}
      <p style="margin:10px 0 4px;font-size:13px;font-weight:600;">Key insights</p>
      <ul style="margin:0;font-size:13px;padding-left:20px;">
        {% for insight in item.key_insights %}<li>{{ insight | escape }}</li>{% endfor %}
      </ul>
      {% endif %}
      {% if item.why_it_matters %}
      <p style="margin:10px 0 0;font-size:13px;"><strong>Why it matters:</strong> {{ item.why_it_matters | escape }}</p>
      {% endif %}
      {% if item.action_items and item.action_items.size > 0 %}
      <p style="margin:10px 0 4px;font-size:13px;font-weight:600;">Action items</p>
      <ul style="margin:0;font-size:13px;padding-left:20px;">
        {% for action in item.action_items %}<li>{{ action | escape }}</li>{% endfor %}
      </ul>
      {% endif %}
      {% if item.critique %}
      <p style="margin:12px 0 0;font-size:13px;color:#6b7280;"><em>{{ item.critique | escape }}</em></p>
      {% endif %}
    </div>
    {% endfor %}

    {% if takeaways and takeaways.size > 0 %}
    <h2 style="font-size:16px;border-bottom:1px solid #e5e7eb;padding-bottom:6px;">Takeaways</h2>
    <ul style="font-size:14px;padding-left:20px;">
      {% for takeaway in takeaways %}<li>{{ takeaway | escape }}</li>{% endfor %}
    </ul>
    {% endif %}
    {% if tools and tools.size > 0 %}
    <h2 style="font-size:16px;border-bottom:1px solid #e5e7eb;padding-bottom:6px;">Tools worth a look</h2>
    <ul style="font-size:14px;padding-left:20px;">
      {% for tool in tools %}<li>{{ tool | escape }}</li>{% endfor %}
    </ul>
    {% endif %}

    <p style="margin-top:24px;font-size:12px;color:#9ca3af;border-top:1px solid #e5e7eb;padding-top:12px;">
      {{ stats.total_emails }} emails scanned &middot; {{ stats.ai_emails }} AI-related &middot;
      {{ stats.processed_emails }} in this digest &middot; estimated cost {{ stats.total_cost | dollars }}
    </p>
  </div>
</div>
</body>
</html>`

const errorTemplate = `<!DOCTYPE html>
<html>
<body style="font-family:-apple-system,Segoe UI,Roboto,Helvetica,Arial,sans-serif;color:#1f2933;">
<div style="max-width:680px;margin:0 auto;padding:24px;">
  <h1 style="font-size:18px;color:#b91c1c;">AI Digest run failed: {{ context | escape }}</h1>
  <p style="font-size:14px;">{{ message | escape }}</p>
  {% if details != "" and details %}
  <pre style="background:#f3f4f6;border-radius:6px;padding:12px;font-size:12px;overflow-x:auto;">{{ details | escape }}</pre>
  {% endif %}
  <p style="font-size:12px;color:#6b7280;">No emails were marked processed for the failed portion; they will be retried on the next run.</p>
</div>
</body>
</html>`

const reauthTemplate = `<!DOCTYPE html>
<html>
<body style="font-family:-apple-system,Segoe UI,Roboto,Helvetica,Arial,sans-serif;color:#1f2933;">
<div style="max-width:680px;margin:0 auto;padding:24px;">
  <h1 style="font-size:18px;">Gmail access needs re-authorization</h1>
  <p style="font-size:14px;">The digest could not read your mailbox because its access token was revoked or expired.
  Runs are paused until access is restored.</p>
  {% if reauth_url != "" and reauth_url %}
  <p style="font-size:14px;"><a href="{{ reauth_url }}">Re-authorize mailbox access</a></p>
  {% endif %}
</div>
</body>
</html>`
